package events

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/config"
)

// Publisher fans events into the durable topic exchange. Publishing is
// best-effort: callers receive false instead of errors and never crash
// because the broker is down.
type Publisher struct {
	cfg     config.BrokerConfig
	org     string
	service string
	logger  *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher connects to the broker and declares the exchange. An empty
// broker URL returns a disabled publisher whose Publish always reports
// false.
func NewPublisher(cfg config.BrokerConfig, org, service string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{cfg: cfg, org: org, service: service, logger: logger}
	if cfg.URL == "" {
		logger.Info("event publishing disabled, no broker url configured")
		return p, nil
	}
	if err := p.connect(); err != nil {
		// Broker unavailability at startup is tolerated; reconnect happens
		// on the first publish.
		logger.Warn("broker unavailable at startup", zap.Error(err))
	}
	return p, nil
}

// connect (re)opens connection and channel. Caller must hold mu or be in
// the constructor.
func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// Publish sends one persistent JSON message with the composed routing
// key. One reconnect-and-retry is attempted on channel failure.
func (p *Publisher) Publish(ctx context.Context, event string, payload interface{}) bool {
	return p.publish(ctx, p.service, event, payload, correlationHeaders(ctx))
}

// PublishAs publishes for an explicit service segment; the run
// orchestrator uses it for learning-service events.
func (p *Publisher) PublishAs(ctx context.Context, service, event string, payload interface{}, headers map[string]interface{}) bool {
	return p.publish(ctx, service, event, payload, headers)
}

func (p *Publisher) publish(ctx context.Context, service, event string, payload interface{}, headers map[string]interface{}) bool {
	if p.cfg.URL == "" {
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal event payload",
			zap.String("event", event), zap.Error(err))
		return false
	}
	rk := RoutingKey(p.org, service, event)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.send(ctx, rk, body, headers); err == nil {
		return true
	}
	// One retry on a freshly reconnected channel.
	if err := p.connect(); err != nil {
		p.logger.Warn("event dropped, broker reconnect failed",
			zap.String("routing_key", rk), zap.Error(err))
		return false
	}
	if err := p.send(ctx, rk, body, headers); err != nil {
		p.logger.Warn("event dropped after retry",
			zap.String("routing_key", rk), zap.Error(err))
		return false
	}
	return true
}

func (p *Publisher) send(ctx context.Context, rk string, body []byte, headers map[string]interface{}) error {
	if p.channel == nil {
		return amqp.ErrClosed
	}
	var tbl amqp.Table
	if len(headers) > 0 {
		tbl = amqp.Table(headers)
	}
	return p.channel.PublishWithContext(ctx, p.cfg.Exchange, rk, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      tbl,
		Body:         body,
	})
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

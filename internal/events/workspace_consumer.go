package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/artifact"
	"github.com/skamble7/renova/internal/config"
)

// workspaceEvent is the platform's workspace lifecycle payload.
type workspaceEvent struct {
	WorkspaceID string `json:"workspace_id"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (w *workspaceEvent) workspace() string {
	if w.WorkspaceID != "" {
		return w.WorkspaceID
	}
	return w.ID
}

// WorkspaceConsumer mirrors workspace lifecycle events into parent docs:
// created opens the aggregate, updated refreshes the snapshot, deleted
// removes it.
type WorkspaceConsumer struct {
	cfg    config.BrokerConfig
	store  *artifact.Store
	logger *zap.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewWorkspaceConsumer prepares the consumer; Run does the connecting.
func NewWorkspaceConsumer(cfg config.BrokerConfig, store *artifact.Store, logger *zap.Logger) *WorkspaceConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkspaceConsumer{cfg: cfg, store: store, logger: logger}
}

// Run binds the queue to the workspace routing keys and processes
// deliveries until the context ends. Handler errors log and continue;
// undecodable messages are acked without requeue.
func (c *WorkspaceConsumer) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		c.logger.Info("workspace consumer disabled, no broker url configured")
		<-ctx.Done()
		return nil
	}

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	c.conn = conn
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	c.channel = ch
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(c.cfg.WorkspaceQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, rk := range WorkspaceBindings() {
		if err := ch.QueueBind(q.Name, rk, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.logger.Info("workspace consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("workspace delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *WorkspaceConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var evt workspaceEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil || evt.workspace() == "" {
		c.logger.Warn("dropping undecodable workspace event",
			zap.String("routing_key", d.RoutingKey), zap.Error(err))
		_ = d.Ack(false) // no requeue: the message will never decode
		return
	}

	var snapshot map[string]interface{}
	_ = json.Unmarshal(d.Body, &snapshot)

	action := routingAction(d.RoutingKey)
	var err error
	switch action {
	case "created":
		_, err = c.store.CreateParentDoc(ctx, evt.workspace(), snapshot, nil)
		var conflict *artifact.ConflictError
		if errors.As(err, &conflict) {
			// Replays are expected; the doc already exists.
			err = nil
		}
	case "updated":
		err = c.store.RefreshWorkspaceSnapshot(ctx, evt.workspace(), snapshot)
	case "deleted":
		err = c.store.DeleteParentDoc(ctx, evt.workspace())
		var nf *artifact.NotFoundError
		if errors.As(err, &nf) {
			err = nil
		}
	default:
		c.logger.Warn("unexpected workspace routing key", zap.String("routing_key", d.RoutingKey))
	}

	if err != nil {
		c.logger.Error("workspace event handler failed",
			zap.String("action", action),
			zap.String("workspace_id", evt.workspace()),
			zap.Error(err))
	}
	_ = d.Ack(false)
}

// routingAction extracts the event segment from
// platform.workspace.<action>.v1.
func routingAction(rk string) string {
	parts := strings.Split(rk, ".")
	if len(parts) == 4 {
		return parts[2]
	}
	return ""
}

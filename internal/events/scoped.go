package events

import "context"

// Scoped binds a publisher to one service segment so domain packages can
// publish bare event names ("created", "pack.updated") without knowing
// routing-key composition.
type Scoped struct {
	p       *Publisher
	service string
}

// ForService returns a publisher scoped to the given service segment.
func (p *Publisher) ForService(service string) *Scoped {
	return &Scoped{p: p, service: service}
}

// Publish sends <org>.<service>.<event>.v1.
func (s *Scoped) Publish(ctx context.Context, event string, payload interface{}) bool {
	if s == nil || s.p == nil {
		return false
	}
	return s.p.PublishAs(ctx, s.service, event, payload, correlationHeaders(ctx))
}

// Package mcp invokes tools on MCP servers over the two supported
// transports: single-shot HTTP POST and persistent newline-framed
// JSON-RPC over a child process's stdio.
package mcp

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/capability"
)

// Invoker calls tools on one integration. Implementations are not safe to
// share across runs; each run owns its invokers.
type Invoker interface {
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error)
	Close() error
}

// Options configures invoker construction.
type Options struct {
	Logger        *zap.Logger
	CorrelationID string
	// Vars feeds ${name} interpolation in transport args/env and tool args.
	Vars map[string]string
	// BackoffBase is the exponential retry base; zero means 500ms.
	BackoffBase time.Duration
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.Vars == nil {
		o.Vars = map[string]string{}
	}
}

// New builds an invoker for the integration snapshot's transport.
func New(integ *capability.Integration, opts Options) (Invoker, error) {
	opts.normalize()
	if integ == nil {
		return nil, &ConnectFailureError{Target: "integration", Reason: "nil integration snapshot"}
	}
	switch integ.Transport.Kind {
	case capability.TransportHTTP:
		return newHTTPInvoker(integ, opts)
	case capability.TransportSTDIO:
		return newSTDIOInvoker(integ, opts)
	default:
		return nil, &ConnectFailureError{
			Target: integ.ID,
			Reason: fmt.Sprintf("unknown transport kind %q", integ.Transport.Kind),
		}
	}
}

// resolveAlias reads a credential alias from the environment. Empty alias
// resolves to empty.
func resolveAlias(alias string) string {
	if alias == "" {
		return ""
	}
	return os.Getenv(alias)
}

// backoff returns base * 2^attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

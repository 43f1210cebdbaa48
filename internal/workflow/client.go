// Package workflow hands staged runs to Temporal so processing survives the
// process that triggered them.
package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/resilience"
)

const dialTimeout = 5 * time.Second

// dialRetry waits about a minute for a Temporal frontend that is still
// starting.
var dialRetry = resilience.RetryConfig{
	MaxAttempts:    12,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Multiplier:     2.0,
	JitterFraction: 0.1,
}

// Dial connects to the configured Temporal frontend, retrying while it is
// unreachable.
func Dial(ctx context.Context, cfg config.TemporalConfig) (client.Client, error) {
	if cfg.HostPort == "" {
		return nil, eris.New("workflow: temporal.host_port is not set")
	}
	log := zap.L().With(zap.String("component", "workflow"))

	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    newLogger(log),
	}

	retry := dialRetry
	retry.ShouldRetry = func(error) bool { return true }
	retry.OnRetry = resilience.LogRetry(log, "temporal dial")

	c, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (client.Client, error) {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return client.DialContext(dctx, opts)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial %s (namespace %s)", cfg.HostPort, cfg.Namespace)
	}
	log.Info("workflow: connected to temporal",
		zap.String("host_port", cfg.HostPort),
		zap.String("namespace", cfg.Namespace),
	)
	return c, nil
}

// logger adapts zap to the SDK's key/value logger.
type logger struct {
	s *zap.SugaredLogger
}

func newLogger(l *zap.Logger) *logger {
	return &logger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *logger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *logger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *logger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *logger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetryDelay is the pause between the first failed connection
// attempt and the single retry.
const DefaultRetryDelay = 2 * time.Second

// EndpointConfig names one tool server.
type EndpointConfig struct {
	Host string
	Port int
}

// RepositoryConfig configures [Connect].
type RepositoryConfig struct {
	Primary EndpointConfig

	// Secondary is optional. When nil, Connect returns a single-endpoint
	// [Client]; otherwise it returns a [Router].
	Secondary *EndpointConfig

	// SecondaryTools lists the tool names routed to the secondary.
	// Empty means just DeviceToolName.
	SecondaryTools []string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// SecondaryReadTimeout bounds responses from the secondary. Device
	// tool calls can run for the whole workflow deadline, so it should
	// exceed that. Zero means ReadTimeout.
	SecondaryReadTimeout time.Duration

	RetryDelay      time.Duration
	MaxSkippedLines int

	// newTransport replaces the TCP transport in tests.
	newTransport func(name string, ep EndpointConfig) Transport
}

// Connect builds fresh endpoints and initializes them. If the attempt
// fails, everything it built is closed, Connect waits RetryDelay and
// tries exactly once more. A second failure is returned wrapping
// [ErrUnavailable]; callers treat that as a degraded, non-fatal mode.
func Connect(ctx context.Context, cfg RepositoryConfig, logger *slog.Logger) (ToolService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	svc, err := connectOnce(ctx, cfg, logger)
	if err == nil {
		return svc, nil
	}

	logger.Warn("tool server connection failed, retrying once",
		"error", err,
		"retry_in", cfg.RetryDelay,
	)

	timer := time.NewTimer(cfg.RetryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case <-timer.C:
	}

	svc, err = connectOnce(ctx, cfg, logger)
	if err != nil {
		logger.Error("tool servers unavailable", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return svc, nil
}

func connectOnce(ctx context.Context, cfg RepositoryConfig, logger *slog.Logger) (ToolService, error) {
	svc := buildService(cfg, logger)
	if err := svc.Initialize(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func buildService(cfg RepositoryConfig, logger *slog.Logger) ToolService {
	newTransport := cfg.newTransport
	if newTransport == nil {
		newTransport = func(name string, ep EndpointConfig) Transport {
			return NewTCPTransport(TCPConfig{
				ConnConfig: ConnConfig{
					Host:           ep.Host,
					Port:           ep.Port,
					ConnectTimeout: cfg.ConnectTimeout,
					ReadTimeout:    cfg.readTimeout(name),
				},
				MaxSkippedLines: cfg.MaxSkippedLines,
				Logger:          logger.With("mcp_server", name),
			})
		}
	}

	primary := NewClient("primary", newTransport("primary", cfg.Primary), logger)
	if cfg.Secondary == nil {
		return primary
	}
	secondary := NewClient("secondary", newTransport("secondary", *cfg.Secondary), logger)
	return NewRouter(primary, secondary, cfg.SecondaryTools, logger)
}

// readTimeout returns the response timeout for the named endpoint.
func (cfg RepositoryConfig) readTimeout(name string) time.Duration {
	if name == "secondary" && cfg.SecondaryReadTimeout > 0 {
		return cfg.SecondaryReadTimeout
	}
	return cfg.ReadTimeout
}

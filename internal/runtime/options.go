package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/app-ship/events-handler/internal/adapters/config/file"
	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/ports"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration that never reloads.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		s.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithBroker sets the broker instead of building one from broker.type. The
// caller keeps ownership and closes it.
func WithBroker(broker ports.Broker) Option {
	return func(s *Service) error {
		s.broker = broker
		return nil
	}
}

// WithClaimStore sets the dedup store instead of opening dedup.backend. The
// caller keeps ownership and closes it.
func WithClaimStore(store ports.ClaimStore) Option {
	return func(s *Service) error {
		s.claims = store
		return nil
	}
}

// WithMailProvider sets the mailbox used for push notifications and
// org id backfill.
func WithMailProvider(provider ports.MailProvider) Option {
	return func(s *Service) error {
		s.mailbox = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithLevelVar lets config load and reload adjust the log level of a logger
// built on level.
func WithLevelVar(level *slog.LevelVar) Option {
	return func(s *Service) error {
		s.level = level
		return nil
	}
}

// WithTraceWriter sends stdout-exported spans to w.
func WithTraceWriter(w io.Writer) Option {
	return func(s *Service) error {
		s.traceWriter = w
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(s *Service) error {
		s.listener = ln
		return nil
	}
}

// staticConfig is a ConfigProvider over an already loaded Config.
type staticConfig struct {
	cfg *config.Config
}

func (c staticConfig) Load(context.Context) (*config.Config, error) { return c.cfg, nil }

func (c staticConfig) Watch(context.Context, func(*config.Config)) error { return nil }

func (c staticConfig) Close() error { return nil }

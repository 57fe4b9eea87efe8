// Package runtime provides the Service that wires configuration, the broker,
// the worker queue and the HTTP server, and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/app-ship/events-handler/internal/adapters/broker/memory"
	"github.com/app-ship/events-handler/internal/adapters/broker/pubsub"
	"github.com/app-ship/events-handler/internal/adapters/broker/redis"
	"github.com/app-ship/events-handler/internal/adapters/gmail"
	"github.com/app-ship/events-handler/internal/config"
	"github.com/app-ship/events-handler/internal/core/ports"
	"github.com/app-ship/events-handler/internal/dedup"
	"github.com/app-ship/events-handler/internal/dispatch"
	"github.com/app-ship/events-handler/internal/mail"
	"github.com/app-ship/events-handler/internal/publisher"
	"github.com/app-ship/events-handler/internal/server"
	"github.com/app-ship/events-handler/internal/signature"
	"github.com/app-ship/events-handler/internal/telemetry"
)

// Service runs the webhook relay. It can be embedded in a larger program or
// run standalone from cmd/events-handler.
type Service struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	broker  ports.Broker
	claims  ports.ClaimStore
	mailbox ports.MailProvider

	logger      *slog.Logger
	level       *slog.LevelVar
	traceWriter io.Writer
	listener    net.Listener

	// Built in Start
	cfg        *config.Config
	secret     *signature.RotatingSecret
	publisher  *publisher.Publisher
	queue      *dispatch.Queue
	dispatcher *dispatch.Dispatcher
	server     *server.Server
	tracer     telemetry.Shutdown

	ownsBroker bool
	ownsClaims bool
	serveErr   chan error

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a Service with the given options. A config provider is
// required; everything else has a default derived from the loaded config.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger:   slog.Default(),
		serveErr: make(chan error, 1),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	return s, nil
}

// Start loads configuration, builds every component and starts serving HTTP
// in the background. Serve errors are reported on Err. A failed Start
// releases whatever it had already opened.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			s.abortStart()
		}
	}()

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	s.applyLogLevel(cfg.Log.Level)

	if s.tracer, err = telemetry.InitTracer(cfg.Telemetry, cfg.App.Version, s.traceWriter, s.logger); err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	if err := s.initBroker(cfg); err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	if s.claims == nil {
		if s.claims, err = dedup.Open(cfg); err != nil {
			return fmt.Errorf("open dedup store: %w", err)
		}
		s.ownsClaims = s.claims != nil
	}

	if s.mailbox == nil && cfg.Gmail.Enabled {
		mb, err := gmail.New(s.ctx, gmail.Config{
			User:            cfg.Gmail.User,
			TokenJSON:       cfg.Gmail.TokenJSON,
			CredentialsFile: cfg.Gmail.CredentialsFile,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("init gmail: %w", err)
		}
		s.mailbox = mb
	}

	s.buildPipeline(cfg)

	if err := s.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// Watch for config changes
	go s.watchConfig()

	s.logger.Info("events handler started",
		slog.String("addr", s.Addr()),
		slog.String("broker", cfg.Broker.Type),
		slog.String("dedup", cfg.Dedup.Backend),
		slog.Bool("mailbox", s.mailbox != nil),
		slog.Bool("signature_verification", cfg.Slack.SigningSecret != ""))

	return nil
}

func (s *Service) initBroker(cfg *config.Config) error {
	if s.broker != nil {
		return nil
	}

	switch cfg.Broker.Type {
	case "pubsub":
		b, err := pubsub.New(s.ctx, pubsub.Config{
			ProjectID:       cfg.GCP.ProjectID,
			CredentialsFile: cfg.GCP.CredentialsFile,
			EmulatorHost:    cfg.GCP.PubSubEmulatorHost,
		}, s.logger)
		if err != nil {
			return err
		}
		s.broker = b
	case "redis":
		s.broker = redis.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case "memory":
		var opts []memory.Option
		if cfg.GCP.ProjectID != "" {
			opts = append(opts, memory.WithProject(cfg.GCP.ProjectID))
		}
		s.broker = memory.New(opts...)
	default:
		return fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
	s.ownsBroker = true
	return nil
}

// buildPipeline wires publisher, queue and dispatcher from cfg.
func (s *Service) buildPipeline(cfg *config.Config) {
	s.publisher = publisher.New(s.broker, nil, publisher.Config{
		PublishTimeout: cfg.PubSub.PublishTimeout,
		MaxAttempts:    cfg.PubSub.MaxAttempts,
		InitialBackoff: cfg.PubSub.InitialBackoff,
		MaxBackoff:     cfg.PubSub.MaxBackoff,
		Version:        cfg.App.Version,
	}, s.logger)

	s.queue = dispatch.NewQueue(dispatch.QueueConfig{
		Concurrency:    cfg.Worker.Concurrency,
		Depth:          cfg.Worker.QueueDepth,
		EnqueueTimeout: cfg.Worker.EnqueueTimeout,
		TaskTimeout:    cfg.Worker.TaskTimeout,
	}, s.logger)
	s.queue.Start()

	backfill := mail.NewBackfiller(s.mailbox,
		mail.WithOrgHeaders(cfg.Email.OrgHeaders),
		mail.WithOrder(mail.BackfillOrder(cfg.Email.BackfillOrder)),
		mail.WithMaxMessages(cfg.Email.BackfillMaxMessages),
		mail.WithBackfillLogger(s.logger))
	extractor := mail.NewExtractor(s.mailbox, backfill, cfg.Gmail.FetchTimeout, s.logger)

	s.secret = signature.NewRotatingSecret(cfg.Slack.SigningSecret)

	opts := []dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithVerifier(signature.NewVerifier(s.secret, signature.WithLogger(s.logger))),
		dispatch.WithExtractor(extractor),
	}
	if s.claims != nil {
		opts = append(opts, dispatch.WithClaims(s.claims, cfg.Dedup.TTL))
	}
	if s.mailbox != nil {
		opts = append(opts, dispatch.WithMailbox(s.mailbox, dispatch.PushConfig{
			Wait:         cfg.Email.PushWait,
			RecentWindow: cfg.Gmail.RecentWindow,
			FetchTimeout: cfg.Gmail.FetchTimeout,
			WorkspaceID:  cfg.Email.ProjectID,
		}))
	}

	s.dispatcher = dispatch.New(s.publisher, s.queue,
		dispatch.Topics{Slack: cfg.Slack.Topic, Email: cfg.Email.Topic},
		opts...)
}

// abortStart undoes a partial Start. Caller-injected broker and claim store
// are left open.
func (s *Service) abortStart() {
	s.cancel()

	if s.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.queue.Stop(ctx)
		cancel()
		s.queue = nil
	}

	if s.claims != nil && s.ownsClaims {
		if err := s.claims.Close(); err != nil {
			s.logger.Error("failed to close dedup store", slog.String("error", err.Error()))
		}
		s.claims, s.ownsClaims = nil, false
	}

	if s.broker != nil && s.ownsBroker {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("failed to close broker", slog.String("error", err.Error()))
		}
		s.broker, s.ownsBroker = nil, false
	}

	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tracer(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
		cancel()
		s.tracer = nil
	}
}

// startServer binds the listener and serves in the background.
func (s *Service) startServer(cfg *config.Config) error {
	s.server = server.New(cfg.Server.Port, cfg.Server.RequestTimeout, cfg.Telemetry.ServiceName, s.logger)
	server.NewHandlers(s.dispatcher, s.publisher, s.broker, cfg.App, s.logger).
		Mount(s.server.Router, cfg.Server.APIPrefix)

	ln := s.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			return err
		}
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("server error", slog.String("error", err.Error()))
			s.serveErr <- err
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Err reports a failure of the background HTTP server.
func (s *Service) Err() <-chan error {
	return s.serveErr
}

// Broker returns the broker in use.
func (s *Service) Broker() ports.Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker
}

// Shutdown stops the HTTP server, drains the queue until ctx expires and
// releases every resource the Service opened.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down events handler")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	// Stop HTTP server
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if s.queue != nil {
		if dropped := s.queue.Stop(ctx); dropped > 0 {
			s.logger.Warn("queued events dropped at shutdown", slog.Int("dropped", dropped))
		}
	}

	// Close resources
	if s.claims != nil && s.ownsClaims {
		if err := s.claims.Close(); err != nil {
			s.logger.Error("failed to close dedup store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if s.broker != nil && s.ownsBroker {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("failed to close broker", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if s.config != nil {
		if err := s.config.Close(); err != nil {
			s.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	if s.tracer != nil {
		if err := s.tracer(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("events handler shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (s *Service) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading")
		s.reload(newCfg)
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the settings that can change without a restart: the Slack
// signing secret and the log level. Other changes are logged and ignored.
func (s *Service) reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rotated := s.secret.SigningSecret() != cfg.Slack.SigningSecret
	s.secret.Set(cfg.Slack.SigningSecret)
	s.applyLogLevel(cfg.Log.Level)

	if s.cfg != nil && (s.cfg.Broker != cfg.Broker || s.cfg.Server != cfg.Server) {
		s.logger.Warn("broker and server settings change only on restart")
	}
	s.cfg = cfg

	s.logger.Info("reload complete",
		slog.Bool("secret_rotated", rotated),
		slog.String("log_level", cfg.Log.Level))
}

func (s *Service) applyLogLevel(level string) {
	if s.level == nil {
		return
	}
	s.level.Set(ParseLevel(level))
}

// ParseLevel maps a config log level to a slog.Level. Unknown values are
// treated as info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mealhall/mealhall-core/cache"
	"github.com/mealhall/mealhall-core/catalog"
	"github.com/mealhall/mealhall-core/config"
	"github.com/mealhall/mealhall-core/database"
	"github.com/mealhall/mealhall-core/jobs"
	"github.com/mealhall/mealhall-core/kvstore"
	"github.com/mealhall/mealhall-core/logger"
	"github.com/mealhall/mealhall-core/metrics"
	"github.com/mealhall/mealhall-core/middleware"
	"github.com/mealhall/mealhall-core/notify"
	"github.com/mealhall/mealhall-core/observers"
	"github.com/mealhall/mealhall-core/ratelimit"
	"github.com/mealhall/mealhall-core/server"
	"github.com/mealhall/mealhall-core/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// components holds every wired subsystem in dependency order. Construction is
// explicit so a missing wire is a compile error, not a nil panic at runtime.
type components struct {
	config    types.ConfigManager
	logger    types.Logger
	metrics   types.MetricsManager
	kv        types.KeyValueStore
	cache     types.CacheService
	store     types.DocumentStore
	catalog   *catalog.Service
	registry  *notify.Registry
	email     *notify.EmailSender
	push      *notify.PushHub
	queue     types.JobQueue
	enqueuer  *jobs.Enqueuer
	pool      *jobs.Pool
	scheduler *jobs.Scheduler
	server    *server.HTTPServer
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	components      *components
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	comps, err := buildComponents(serviceCtx, configPath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build components")
	}
	service.components = comps

	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.components.logger.Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.components.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	log := s.components.logger
	log.Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		log.ErrorWithCause("Failed to start components", err)
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	log.Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		log.ErrorWithCause("Error during service shutdown", err)
	}

	s.wg.Wait()
	s.setState(StateStopped)

	log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.components.logger.Warn("Service is not running")
		return types.ErrServerNotRunning
	}

	s.components.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// startComponents brings the stack up in dependency order: storage tiers in
// parallel, then the job machinery, then the HTTP server last so no request
// arrives before its dependencies are live.
func (s *Service) startComponents(ctx context.Context) error {
	c := s.components
	log := c.logger

	g, gCtx := errgroup.WithContext(ctx)

	for name, manager := range map[string]types.LifecycleManager{
		"metrics manager":   c.metrics,
		"kv store":          c.kv,
		"document store":    c.store,
		"delivery registry": c.registry,
		"job queue":         c.queue,
	} {
		name, manager := name, manager
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Start(); err != nil {
					return types.WrapError(err, "failed to start "+name)
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if c.push != nil {
		if err := c.push.Start(); err != nil {
			log.Error("Failed to start push hub", zap.Error(err))
		}
	}

	if err := c.pool.Start(); err != nil {
		return types.WrapError(err, "failed to start worker pool")
	}

	if c.scheduler != nil {
		if err := c.scheduler.Start(); err != nil {
			log.Error("Failed to start scheduler", zap.Error(err))
		}
	}

	if err := c.server.Start(); err != nil {
		return types.WrapError(err, "failed to start HTTP server")
	}

	log.Info("All components started successfully")
	return nil
}

// stopComponents is the reverse of startComponents: server first so no new
// work arrives, then the job machinery drains, then storage.
func (s *Service) stopComponents() error {
	c := s.components
	log := c.logger

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	log.Info("Stopping service components...")

	if err := c.server.Stop(); err != nil {
		log.Error("Failed to stop HTTP server", zap.Error(err))
		errors = append(errors, err)
	}

	if c.scheduler != nil {
		if err := c.scheduler.Stop(); err != nil {
			log.Error("Failed to stop scheduler", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if err := c.pool.Stop(); err != nil {
		log.Error("Failed to stop worker pool", zap.Error(err))
		errors = append(errors, err)
	}

	if c.push != nil {
		if err := c.push.Stop(); err != nil {
			log.Error("Failed to stop push hub", zap.Error(err))
			errors = append(errors, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	for name, manager := range map[string]types.LifecycleManager{
		"job queue":         c.queue,
		"delivery registry": c.registry,
		"document store":    c.store,
		"kv store":          c.kv,
		"metrics manager":   c.metrics,
	} {
		name, manager := name, manager
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					log.Error("Failed to stop "+name, zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			log.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	log.Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.components.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.components.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.components.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.components.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.components.logger.Info("Service shutdown: context done")
	}
}

func buildComponents(ctx context.Context, configPath string) (*components, error) {
	configManager := config.NewManager(configPath)
	if err := configManager.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load config")
	}
	cfg := configManager.GetConfig()

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to build logger")
	}

	var metricsManager types.MetricsManager
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager = metrics.NewPrometheusManager(log)
	} else {
		metricsManager = metrics.NewNoopManager()
	}

	kv, err := kvstore.NewManager(ctx, configManager, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build kv store")
	}

	cacheService, err := cache.NewService(kv, cache.DefaultRules(), cfg.Cache, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build cache service")
	}

	store, err := database.NewManager(cfg.Database, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build document store")
	}

	dispatcher := observers.NewDispatcher(log)
	catalogService := catalog.NewService(store, cacheService, dispatcher, log)

	if cfg.Notify == nil {
		cfg.Notify = &types.NotifyConfig{RegistryPath: "notify.db"}
	}

	registry, err := notify.NewRegistry(cfg.Notify.RegistryPath, log)
	if err != nil {
		return nil, types.WrapError(err, "failed to build delivery registry")
	}
	email := notify.NewEmailSender(registry, cfg.Notify, log, metricsManager)

	var push *notify.PushHub
	if cfg.Notify.PushEnabled {
		push = notify.NewPushHub(cfg.Notify, log, metricsManager)
	}

	queue, err := jobs.NewManager(cfg.Jobs, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build job queue")
	}

	jobCatalog, err := buildJobCatalog(email, push, catalogService)
	if err != nil {
		return nil, types.WrapError(err, "failed to build job catalog")
	}

	enqueuer := jobs.NewEnqueuer(queue, jobCatalog)

	pool, err := jobs.NewPool(queue, jobCatalog, cfg.Jobs, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build worker pool")
	}

	var scheduler *jobs.Scheduler
	if len(cfg.Jobs.Schedules) > 0 {
		scheduler, err = jobs.NewScheduler(cfg.Jobs.Schedules, enqueuer, log)
		if err != nil {
			return nil, types.WrapError(err, "failed to build scheduler")
		}
	}

	observers.RegisterCacheObservers(dispatcher, cacheService)
	observers.RegisterJobObservers(dispatcher, enqueuer, log)

	middlewares, err := buildMiddlewares(cfg, kv, log, metricsManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to build middlewares")
	}

	router := server.NewRouter()
	if err := server.NewAPI(catalogService, log).Register(router); err != nil {
		return nil, types.WrapError(err, "failed to register api routes")
	}
	if err := server.NewAdmin(kv, catalogService, queue, metricsManager, log).Register(router); err != nil {
		return nil, types.WrapError(err, "failed to register admin routes")
	}

	httpServer := server.NewHTTPServer(cfg.Server, router, middlewares, log, metricsManager)

	return &components{
		config:    configManager,
		logger:    log,
		metrics:   metricsManager,
		kv:        kv,
		cache:     cacheService,
		store:     store,
		catalog:   catalogService,
		registry:  registry,
		email:     email,
		push:      push,
		queue:     queue,
		enqueuer:  enqueuer,
		pool:      pool,
		scheduler: scheduler,
		server:    httpServer,
	}, nil
}

// buildJobCatalog registers every job kind with its lane, attempt budget and
// backoff base. The catalog is sealed before the pool starts.
func buildJobCatalog(email *notify.EmailSender, push *notify.PushHub, catalogService *catalog.Service) (*jobs.Catalog, error) {
	jobCatalog := jobs.NewCatalog()

	specs := map[types.JobKind]*jobs.JobSpec{
		types.JobSendEmail: {
			Handler:     email.SendEmailHandler,
			Lane:        types.LaneCritical,
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
			BackoffBase: 10 * time.Second,
		},
		types.JobGenerateReport: {
			Handler:     catalogService.GenerateReportHandler,
			Lane:        types.LaneBulk,
			MaxAttempts: 2,
			Timeout:     5 * time.Minute,
			BackoffBase: 30 * time.Second,
		},
		types.JobBulkUpdate: {
			Handler:     catalogService.BulkUpdateHandler,
			Lane:        types.LaneBulk,
			MaxAttempts: 2,
			Timeout:     2 * time.Minute,
			BackoffBase: 30 * time.Second,
		},
		types.JobFailureNotice: {
			Handler:     email.FailureNoticeHandler,
			Lane:        types.LaneCritical,
			MaxAttempts: 1,
			Timeout:     30 * time.Second,
		},
	}
	if push != nil {
		specs[types.JobSendPush] = &jobs.JobSpec{
			Handler:     push.SendPushHandler,
			Lane:        types.LaneDefault,
			MaxAttempts: 3,
			Timeout:     15 * time.Second,
			BackoffBase: 15 * time.Second,
		}
	}

	for kind, spec := range specs {
		if err := jobCatalog.Register(kind, spec); err != nil {
			return nil, err
		}
	}
	return jobCatalog, nil
}

func buildMiddlewares(cfg *types.ServiceConfig, kv types.KeyValueStore, log types.Logger, metricsManager types.MetricsManager) (*middleware.Manager, error) {
	manager := middleware.NewManager(log)
	items := cfg.Middlewares
	if items == nil {
		items = &types.MiddlewaresConfig{}
	}

	if items.Recovery != nil && items.Recovery.Enabled {
		if err := manager.Register(middleware.NewRecoveryMiddleware(items.Recovery, log, metricsManager)); err != nil {
			return nil, err
		}
	}
	if items.Metadata != nil && items.Metadata.Enabled {
		if err := manager.Register(middleware.NewMetadataMiddleware(items.Metadata, log)); err != nil {
			return nil, err
		}
	}
	if items.Logging != nil && items.Logging.Enabled {
		if err := manager.Register(middleware.NewLoggingMiddleware(items.Logging, log, metricsManager)); err != nil {
			return nil, err
		}
	}
	if items.CORS != nil && items.CORS.Enabled {
		if err := manager.Register(middleware.NewCORSMiddleware(items.CORS, log)); err != nil {
			return nil, err
		}
	}
	if items.BodyLimit != nil && items.BodyLimit.Enabled {
		if err := manager.Register(middleware.NewBodyLimitMiddleware(items.BodyLimit, log)); err != nil {
			return nil, err
		}
	}
	if items.Auth != nil && items.Auth.Enabled {
		authMiddleware, err := middleware.NewAuthMiddleware(items.Auth, log, metricsManager)
		if err != nil {
			return nil, err
		}
		if err := manager.Register(authMiddleware); err != nil {
			return nil, err
		}
	}
	if items.RateLimit != nil && items.RateLimit.Enabled && cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewLimiter(kv, cfg.RateLimit, log, metricsManager)
		if err != nil {
			return nil, err
		}
		if err := manager.Register(middleware.NewRateLimitMiddleware(items.RateLimit, limiter, log)); err != nil {
			return nil, err
		}
	}
	if items.Cache != nil && items.Cache.Enabled {
		if err := manager.Register(middleware.NewCacheMiddleware(items.Cache, kv, cfg.Cache, log, metricsManager)); err != nil {
			return nil, err
		}
	}
	if items.Compression != nil && items.Compression.Enabled {
		if err := manager.Register(middleware.NewCompressionMiddleware(items.Compression, log, metricsManager)); err != nil {
			return nil, err
		}
	}

	if err := manager.Finalize(); err != nil {
		return nil, err
	}
	return manager, nil
}

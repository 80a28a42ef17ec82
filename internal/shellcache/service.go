package shellcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

// Service runs a Worker as a reverse proxy: it drives the install/activate
// lifecycle, retries failed installs, precaches sitemap URLs and exposes the
// HTTP handler.
type Service struct {
	cfg Config
	log logger.Logger

	store   cachestore.Storage
	network *HTTPNetwork
	worker  *Worker

	registry *prometheus.Registry
	stats    *statsCollector

	// lifecycleMu serialises install+activate runs.
	lifecycleMu sync.Mutex

	stateMu sync.Mutex
	state   lifecycleState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type lifecycleState struct {
	LastInstallAt    time.Time `json:"lastInstallAt,omitempty"`
	LastInstallError string    `json:"lastInstallError,omitempty"`
	ActivatedAt      time.Time `json:"activatedAt,omitempty"`
	Pruned           []string  `json:"pruned,omitempty"`
}

// OpenStorage builds the storage backend named in cfg.
func OpenStorage(cfg Config) (cachestore.Storage, error) {
	var (
		st  cachestore.Storage
		err error
	)
	switch cfg.Storage.Backend {
	case BackendMemory:
		st = cachestore.NewMemory()
	case BackendLevelDB:
		st, err = cachestore.OpenLevelDB(cfg.Storage.LevelDB.Path)
	case BackendRedis:
		client, derr := cachestore.DialRedis(cfg.Storage.Redis)
		if derr != nil {
			return nil, derr
		}
		st = cachestore.NewRedis(client, cfg.Storage.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	return cachestore.WithHotTier(st, cfg.ramMaxBytes), nil
}

// NewService wires a worker over store. The service owns store and closes it.
func NewService(cfg Config, log logger.Logger, store cachestore.Storage) (*Service, error) {
	if log == nil {
		log = logger.NewNop()
	}
	network, err := NewHTTPNetwork(nil, cfg.Scope.Origin, cfg.Server.Origin, cfg.fetchTimeoutDur)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	worker, err := NewWorker(Options{
		Generation:         cfg.GenerationName(),
		Scope:              cfg.Scope.Origin,
		Assets:             cfg.Cache.Assets,
		Fallback:           cfg.Cache.Fallback,
		Storage:            store,
		Network:            network,
		Logger:             log,
		Registerer:         reg,
		InstallConcurrency: cfg.Install.Concurrency,
		MaxWritesInFlight:  cfg.WriteThrough.MaxInFlight,
		MaxEntryBytes:      cfg.maxEntryBytes,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		log:      log,
		store:    store,
		network:  network,
		worker:   worker,
		registry: reg,
		stats:    newStatsCollector(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Worker exposes the underlying worker.
func (s *Service) Worker() *Worker { return s.worker }

// Start resumes the generation recorded by the previous run, if any, and
// launches the lifecycle and stats loops.
func (s *Service) Start() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	serving, err := s.worker.Restore(ctx)
	cancel()
	if err != nil {
		s.log.Warn("restore serving generation failed", logger.Error(err))
	}

	s.log.Info("starting",
		logger.String("generation", s.worker.Generation()),
		logger.Bool("restored", serving != ""),
		logger.String("serving", serving),
		logger.String("scope", s.cfg.Scope.Origin),
		logger.String("origin", s.cfg.Server.Origin),
		logger.String("storage", s.cfg.Storage.Backend),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lifecycleLoop()
	}()

	if s.cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEveryDur)
		}()
	}
}

// Close stops the loops, drains pending writes and closes the storage.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.worker.Wait()
		s.network.CloseIdleConnections()
		if err := s.store.Close(); err != nil {
			s.log.Warn("close storage", logger.Error(err))
		}
	})
}

// Update installs the current generation and, on success, activates it.
func (s *Service) Update(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	err := s.worker.OnInstall(ctx)
	s.stateMu.Lock()
	s.state.LastInstallAt = time.Now().UTC()
	s.state.LastInstallError = ""
	if err != nil {
		s.state.LastInstallError = err.Error()
	}
	s.stateMu.Unlock()
	if err != nil {
		return err
	}

	pruned, err := s.worker.OnActivate(ctx)
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	s.state.ActivatedAt = time.Now().UTC()
	s.state.Pruned = pruned
	s.stateMu.Unlock()
	return nil
}

func (s *Service) lifecycleLoop() {
	for {
		err := s.Update(s.ctx)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("install failed, will retry",
			logger.Duration("retryIn", s.cfg.retryEveryDur),
			logger.Error(err),
		)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.retryEveryDur):
		}
	}

	if len(s.cfg.Precache.Sitemaps) == 0 {
		return
	}
	if d := s.cfg.initialDelayDur; d > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(d):
		}
	}
	s.precacheOnce()
}

func (s *Service) precacheOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	urls, err := s.worker.discoverSitemapURLs(ctx, s.cfg.Precache.Sitemaps)
	if err != nil {
		s.log.Warn("precache: sitemap discovery failed", logger.Error(err))
		if len(urls) == 0 {
			return
		}
	}
	stored, skipped, err := s.worker.Warm(ctx, urls)
	if err != nil {
		s.log.Warn("precache: interrupted", logger.Error(err))
	}
	s.log.Info("precache done", logger.Int("stored", stored), logger.Int("skipped", skipped))
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	ss := s.stats.Snapshot()
	entries, err := s.worker.Entries(ctx)
	if err != nil {
		s.log.Warn("stats: count entries", logger.Error(err))
	}
	fields := []logger.Field{
		logger.String("serving", s.worker.Serving()),
		logger.Int("entries", entries),
		logger.Uint64("hits", ss.BySource[SourceCache]),
		logger.Uint64("misses", ss.BySource[SourceNetwork]),
		logger.Uint64("fallbacks", ss.BySource[SourceFallback]),
		logger.Uint64("errors", ss.Errors),
		logger.String("respMinAvgMax", fmt.Sprintf("%s/%s/%s",
			formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes))),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, logger.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}

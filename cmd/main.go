package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ngoyal88/webstat/pkg/api"
	"github.com/ngoyal88/webstat/pkg/archive"
	"github.com/ngoyal88/webstat/pkg/cache"
	"github.com/ngoyal88/webstat/pkg/config"
	"github.com/ngoyal88/webstat/pkg/geoip"
	"github.com/ngoyal88/webstat/pkg/logger"
	"github.com/ngoyal88/webstat/pkg/middleware"
	"github.com/ngoyal88/webstat/pkg/proxy"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	confPath := flag.String("config", "configs/config.yaml", "path to the config file")
	flag.Parse()

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(*confPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgStore.Get()

	logger.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Redis for the distributed rate limiter (if enabled)
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to redis")
		}
		defer func() { _ = rdb.Close() }()

		log.Info().Str("addr", cfg.Redis.Address).Msg("connected to redis")
	}

	// 3. Open the request store
	store := mustOpenStore(ctx, &cfg.Storage)

	// 4. GeoIP
	resolver, err := geoip.New(&geoip.Config{
		Static:      cfg.GeoIP.StaticTable(),
		CountryPath: cfg.GeoIP.CountryPath,
		CacheSize:   cfg.GeoIP.CacheSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create geoip resolver")
	}

	// 5. Create the proxy
	gw, err := proxy.New(cfg.Proxy.Target)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create proxy")
	}
	log.Info().Stringer("target", gw.Target()).Msg("proxy started")

	// 6. Chain Middleware, inner-most first
	rec := middleware.NewRecorder(&middleware.CaptureConfig{
		Store:              store,
		Resolver:           resolver,
		Visitors:           middleware.NewVisitors(),
		IdentityCookie:     cfg.Capture.IdentityCookie,
		ExcludePaths:       cfg.Capture.ExcludePaths,
		ExcludeExtensions:  cfg.Capture.ExcludeExtensions,
		ExcludeLoopback:    cfg.Capture.ExcludeLoopback,
		TrustForwarded:     cfg.Capture.TrustForwarded,
		WriteTimeout:       cfg.Capture.WriteTimeout,
		BreakerMaxFailures: cfg.Capture.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.Capture.Breaker.OpenTimeout,
	})

	var handler http.Handler = gw
	handler = rec.Middleware(handler)
	handler = middleware.NewRateLimiter(rdb, cfgStore)(handler)
	handler = middleware.RequestLogger(handler)

	// 7. Setup HTTP Server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if cfg.Admin.Key != "" {
		var respCache *middleware.ResponseCache
		if rdb != nil && cfg.Admin.CacheTTL > 0 {
			respCache = middleware.NewResponseCache(rdb, "statscache", cfg.Admin.CacheTTL)
		}

		api.NewAdminAPI(&api.Config{
			Store:     store,
			Resolver:  resolver,
			Exporter:  newExporter(ctx, store, &cfg.Archive),
			Cache:     respCache,
			AdminKey:  cfg.Admin.Key,
			OpTimeout: cfg.Storage.OpTimeout,
		}).RegisterRoutes(mux)
		log.Info().Msg("admin api enabled at /admin/")
	} else {
		log.Warn().Msg("admin api disabled: admin.key is empty")
	}

	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// 8. Start Server
	go func() {
		log.Info().Str("addr", cfg.Server.Port).Msg("listening")

		if lerr := srv.ListenAndServe(); lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
			log.Fatal().Err(lerr).Msg("server failed")
		}
	}()

	<-ctx.Done()
	shutdown(srv, rec, store, cfg.Server.ShutdownTimeout)
}

// mustOpenStore opens the store described by c or exits.
func mustOpenStore(ctx context.Context, c *config.StorageConfig) (s storage.Store) {
	mmapSize, err := c.BoltMmapBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("bad storage config")
	}

	openCtx, cancel := context.WithTimeout(ctx, c.OpTimeout)
	defer cancel()

	s, err = storage.Open(
		openCtx,
		c.Descriptor,
		storage.WithTable(c.Table),
		storage.WithBoltMmapSize(mmapSize),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	return s
}

// newExporter returns the exporter for the configured archive, or nil if
// there is none.
func newExporter(ctx context.Context, s storage.Store, c *config.ArchiveConfig) (e *archive.Exporter) {
	sink, err := archive.NewSink(ctx, &archive.Config{
		Dir:    c.Dir,
		Bucket: c.Bucket,
		Prefix: c.Prefix,
		Region: c.Region,
	})
	if err != nil {
		log.Warn().Err(err).Msg("export disabled")

		return nil
	}

	return archive.NewExporter(s, sink)
}

// shutdown stops accepting requests, waits for the pending writes, and closes
// the store.
func shutdown(srv *http.Server, rec *middleware.Recorder, s storage.Store, timeout time.Duration) {
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	rec.Wait()

	if err := s.Close(); err != nil {
		log.Error().Err(err).Msg("closing store")
	}
}

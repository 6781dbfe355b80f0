package main

import (
	"context"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/stream-platform/internal/platform/analytics"
	"github.com/example/stream-platform/internal/platform/auth"
	"github.com/example/stream-platform/internal/platform/db"
	"github.com/example/stream-platform/internal/platform/httpserver"
	"github.com/example/stream-platform/internal/platform/logging"
	"github.com/example/stream-platform/internal/platform/natsconn"
	"github.com/example/stream-platform/internal/platform/run"
	"github.com/example/stream-platform/internal/platform/signing"
	"github.com/example/stream-platform/services/playback/internal/catalog"
	"github.com/example/stream-platform/services/playback/internal/config"
	"github.com/example/stream-platform/services/playback/internal/handlers"
	"github.com/example/stream-platform/services/playback/internal/history"
	"github.com/example/stream-platform/services/playback/internal/idempotency"
	"github.com/example/stream-platform/services/playback/internal/recommend"
	"github.com/example/stream-platform/services/playback/internal/session"
	"github.com/example/stream-platform/services/playback/internal/store"
	"github.com/example/stream-platform/services/playback/internal/watchlist"
	"github.com/example/stream-platform/services/playback/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "playback"
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			log.Error("db open", zap.Error(err))
			run.Exit(1)
		}
		defer pool.Close()
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("redis url", zap.Error(err))
			run.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.NATSURL != "" {
		nc, err = natsconn.Connect(natsconn.Options{URL: cfg.NATSURL})
		if err != nil {
			log.Error("nats connect", zap.Error(err))
			run.Exit(1)
		}
		defer nc.Close()
		js, err = nc.JetStream()
		if err != nil {
			log.Error("jetstream", zap.Error(err))
			run.Exit(1)
		}
	}

	st, err := store.NewStore(cfg.StoreBackend, rdb, pool, cfg.IsProd())
	if err != nil {
		log.Error("playback store", zap.Error(err))
		run.Exit(1)
	}

	cat, err := buildCatalog(cfg, pool, rdb, nc, log)
	if err != nil {
		log.Error("catalog", zap.Error(err))
		run.Exit(1)
	}

	var wl watchlist.Reader = watchlist.NewMemory()
	if pool != nil {
		wl = watchlist.NewPostgres(pool)
	}

	var signer *signing.Signer
	if cfg.SigningSecret != "" && cfg.StreamURL != "" {
		signer = signing.New(cfg.SigningSecret)
	}

	ap := analytics.New(js, log)
	sessions := &session.Service{
		Store:     st,
		Catalog:   cat,
		Signer:    signer,
		StreamURL: cfg.StreamURL,
		GrantTTL:  cfg.GrantTTL,
		Analytics: ap,
		Log:       log,
	}
	var shuffle recommend.Shuffler = recommend.NoShuffle{}
	if cfg.RecommendShuffle {
		shuffle = recommend.NewShuffler(cfg.RecommendSeed)
	}
	scorer := &recommend.Scorer{
		History:   st,
		Watchlist: wl,
		Catalog:   cat,
		Shuffle:   shuffle,
		Log:       log,
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.Ping(c)
		},
		Metrics: promhttp.Handler(),
	})
	handlers.Mount(r, handlers.Deps{
		Sessions:    sessions,
		History:     &history.Service{Repo: st, Log: log},
		Recommender: scorer,
		Catalog:     cat,
		Signer:      signer,
		Publisher:   handlers.NewEventPublisher(js, cfg.AsyncWrites),
		Analytics:   ap,
		Verifier:    auth.JWTVerifier{Secret: cfg.JWTSecret},
		Limiter:     httpserver.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Log:         log,
	})
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Error("grpc listen", zap.Error(err))
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcSrv)

	runner := run.New(log)
	starts := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				runner.Graceful(srv.Shutdown)
			}()
			return srv.Start(log)
		},
		func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				healthSrv.Shutdown()
				stopped := make(chan struct{})
				go func() {
					grpcSrv.GracefulStop()
					close(stopped)
				}()
				select {
				case <-stopped:
				case <-time.After(10 * time.Second):
					grpcSrv.Stop()
				}
			}()
			log.Info("grpc server starting", zap.String("addr", cfg.GRPC.Addr))
			return grpcSrv.Serve(lis)
		},
	}

	if cfg.AsyncWrites {
		dedup, err := idempotency.NewStore(rdb, pool, cfg.IdempotencyTTL, cfg.IsProd())
		if err != nil {
			log.Error("idempotency store", zap.Error(err))
			run.Exit(1)
		}
		w := &worker.Worker{
			Log:        log,
			JS:         js,
			Apply:      sessions,
			Dedup:      dedup,
			BatchSize:  cfg.BatchSize,
			BatchWait:  cfg.BatchWait,
			MaxDeliver: cfg.MaxDeliver,
		}
		starts = append(starts, w.Run)
	}

	code := runner.WithSignals(starts...)
	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// buildCatalog layers the catalog: Postgres behind a breaker, fronted by the
// Redis cache when one is configured.
func buildCatalog(cfg config.Config, pool *pgxpool.Pool, rdb *redis.Client, nc *nats.Conn, log *zap.Logger) (catalog.Accessor, error) {
	if cfg.CatalogBackend == "memory" {
		mem := catalog.NewMemory()
		if cfg.CatalogSeedFile != "" {
			items, err := catalog.LoadSeed(cfg.CatalogSeedFile)
			if err != nil {
				return nil, err
			}
			mem.Put(items...)
			log.Info("catalog seeded", zap.Int("items", len(items)))
		}
		return mem, nil
	}

	var acc catalog.Accessor = catalog.NewBreaker(catalog.NewPostgres(pool), catalog.BreakerSettings{
		MaxRequests:      cfg.CBMaxRequests,
		Interval:         cfg.CBInterval,
		Timeout:          cfg.CBTimeout,
		FailureThreshold: cfg.CBFailureThreshold,
	}, log)
	if rdb == nil {
		return acc, nil
	}
	cached := catalog.NewCached(acc, rdb, cfg.CacheTTL, log)
	if nc != nil {
		if _, err := cached.SubscribeInvalidation(nc); err != nil {
			log.Warn("catalog invalidation subscribe", zap.Error(err))
		}
	}
	return cached, nil
}

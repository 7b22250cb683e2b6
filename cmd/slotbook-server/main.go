package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"slotbook/internal/config"
	"slotbook/internal/notify"
	"slotbook/internal/obs"
	"slotbook/internal/service/coordinator"
	"slotbook/internal/service/slots"
	"slotbook/internal/store"
	"slotbook/internal/store/memory"
	"slotbook/internal/store/mongo"
	"slotbook/internal/store/postgres"
	grpcTransport "slotbook/internal/transport/grpc"
	"slotbook/internal/transport/rest"
	"slotbook/internal/worker"
)

var version = "dev"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "slotbook-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "slotbook-server"),
	)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	shutdownTracing, err := obs.InitTracer(ctx, obs.TracingConfig{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "slotbook-server",
		Version:     version,
		Environment: cfg.Environment,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			log.Warn("store close failed", slog.Any("err", err))
		}
	}()

	events, closeEvents, err := openDispatcher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEvents()

	coord := coordinator.New(st, coordinator.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
	}, log)
	svc := slots.NewService(st, cfg.Calendar, log)

	if cfg.AdminToken == "" {
		log.Warn("admin token not configured; admin operations are disabled")
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			requestTimeoutInterceptor(cfg.GRPCRequestTimeout, log),
			grpcTransport.AdminAuthInterceptor(cfg.AdminToken),
		),
	)
	grpcTransport.RegisterSlotBookingServer(grpcServer, grpcTransport.NewServer(coord, svc, events, log))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(grpcTransport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: rest.NewRouter(rest.Config{
			AllowedOrigins:     cfg.HTTPAllowedOrigins,
			AdminToken:         cfg.AdminToken,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			RateLimitBurst:     cfg.RateLimitBurst,
		}, coord, svc, events, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := worker.NewScheduler(
		cfg.GeneratorSchedule,
		worker.NewGenerateJob(svc, log.With(slog.String("component", "generator")), cfg.GeneratorTimeout),
		cfg.GenerateOnStart,
		log,
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		healthSrv.Shutdown()
		shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		log.Info("connecting to database", storeLogArgs(cfg.StoreDriver, cfg.DatabaseURL, "")...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, storeLogArgs(cfg.StoreDriver, cfg.DatabaseURL, "")...)
			log.Error("database connection failed", args...)
			return nil, err
		}
		return postgres.NewStore(db), nil
	case config.StoreMongo:
		log.Info("connecting to mongo", storeLogArgs(cfg.StoreDriver, cfg.MongoURI, cfg.MongoDatabase)...)
		st, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			args := append([]any{slog.Any("err", err)}, storeLogArgs(cfg.StoreDriver, cfg.MongoURI, cfg.MongoDatabase)...)
			log.Error("mongo connection failed", args...)
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = st.Close(context.Background())
			return nil, err
		}
		return st, nil
	default:
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}

// openDispatcher publishes to AMQP when configured and to the log otherwise.
// Redis-backed dedupe is optional.
func openDispatcher(ctx context.Context, cfg config.Config, log *slog.Logger) (*notify.Dispatcher, func(), error) {
	var (
		pub     notify.Publisher
		closers []func()
	)
	if cfg.AMQPURL != "" {
		amqpPub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log.With(slog.String("component", "amqp")))
		if err != nil {
			log.Error("amqp connection failed", slog.Any("err", err))
			return nil, nil, err
		}
		pub = amqpPub
		closers = append(closers, func() {
			if err := amqpPub.Close(); err != nil {
				log.Warn("amqp close failed", slog.Any("err", err))
			}
		})
	} else {
		pub = notify.NewLogPublisher(log)
	}

	var dedupe notify.Deduper
	if cfg.RedisAddr != "" {
		client, err := notify.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		dedupe = notify.NewRedisDeduper(client, "slotbook:event:", cfg.DedupeTTL)
		closers = append(closers, func() { _ = client.Close() })
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return notify.NewDispatcher(pub, dedupe, log), cleanup, nil
}

// requestTimeoutInterceptor bounds every RPC by timeout, including calls whose
// client deadline is later, so a slow caller cannot hold a store transaction
// open indefinitely.
func requestTimeoutInterceptor(timeout time.Duration, log *slog.Logger) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := handler(ctx, req)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("rpc deadline exceeded", slog.String("method", info.FullMethod), slog.Duration("timeout", timeout))
		}
		return resp, err
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, hs *http.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// storeLogArgs describes the configured store without leaking credentials.
// database overrides the name in the URL path, as the mongo driver takes it
// separately.
func storeLogArgs(driver, rawURL, database string) []any {
	args := []any{slog.String("store_driver", driver)}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return append(args, slog.String("store_url", "invalid"))
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "default"
	}
	if database == "" {
		database = strings.TrimPrefix(u.Path, "/")
	}
	if database == "" {
		database = "unknown"
	}
	return append(args,
		slog.String("store_host", host),
		slog.String("store_port", port),
		slog.String("store_db", database),
	)
}

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/cache"
	"gymflow/occupancy/internal/checkin"
	"gymflow/occupancy/internal/config"
	"gymflow/occupancy/internal/dashboard"
	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/db/postgres"
	"gymflow/occupancy/internal/db/sqlite"
	occupancygrpc "gymflow/occupancy/internal/grpc"
	internalhttp "gymflow/occupancy/internal/http"
	"gymflow/occupancy/internal/jobs"
	"gymflow/occupancy/internal/logging"
	"gymflow/occupancy/internal/metrics"
	"gymflow/occupancy/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load failed: %v", err)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("store init failed")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close error")
		}
	}()

	// Background workers read the store and Redis; they are drained before either closes.
	var workers sync.WaitGroup

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := realtime.NewHub(cfg.SubscriberBuffer, m)
	engineOpts := []checkin.Option{checkin.WithLogger(log), checkin.WithMetrics(m)}

	var bus realtime.Bus = realtime.NewLocalBus(hub)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.WithError(err).Fatal("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Warn("redis close error")
			}
		}()

		redisBus := realtime.NewRedisBus(redisClient, cfg.RedisChannel, hub, log)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := redisBus.Run(ctx); err != nil {
				log.WithError(err).Error("redis relay stopped")
			}
		}()
		bus = redisBus
		engineOpts = append(engineOpts, checkin.WithCache(cache.NewCapacityCache(redisClient, cfg.CapacityCacheTTL)))
	}

	broadcaster := realtime.NewBroadcaster(bus, store, cfg.BroadcastQueueSize, log, m)
	workers.Add(1)
	go func() {
		defer workers.Done()
		broadcaster.Run(ctx)
	}()
	engineOpts = append(engineOpts, checkin.WithNotifier(broadcaster))

	accessSvc := access.NewService(store, access.WithMembershipDuration(cfg.MembershipDuration))
	engine := checkin.NewEngine(store, accessSvc, engineOpts...)
	dashboards := dashboard.NewService(engine, store, cfg.MembershipPrices, time.UTC)

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Store:      store,
		Access:     accessSvc,
		Engine:     engine,
		Dashboards: dashboards,
		Websocket:  realtime.NewWebsocketHandler(hub, log, m),
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		log.WithError(err).Fatal("server init failed")
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken == "" {
		log.Warn("grpc disabled: SERVICE_AUTH_TOKEN not set")
	} else {
		grpcServer, _, err = occupancygrpc.NewServer(cfg.ServiceAuthToken, occupancygrpc.NewQueryServer(engine, accessSvc), log, m)
		if err != nil {
			log.WithError(err).Fatal("grpc init failed")
		}
	}

	staleJobDone := jobs.StartStaleSessionJob(ctx, cfg, engine, log)

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("occupancy http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	if grpcServer != nil {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				log.WithError(err).Fatal("grpc listen error")
			}
			log.WithField("addr", cfg.GRPCAddr).Info("occupancy grpc listening")
			if err := grpcServer.Serve(listener); err != nil {
				log.WithError(err).Fatal("grpc server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	<-staleJobDone
	workers.Wait()
	log.Info("background workers stopped")
}

func openStore(ctx context.Context, cfg config.Config) (db.Store, error) {
	if cfg.StoreDriver == config.DriverSQLite {
		return sqlite.Open(cfg.SQLitePath)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store := postgres.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

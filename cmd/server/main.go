package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/coinhouse"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/gamebridge"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/handler"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/mainctx"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/notify"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/storage"
	"github.com/amia-team/AmiaReforged-sub001/internal/config"
	"github.com/amia-team/AmiaReforged-sub001/internal/core/service"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment")
	}
	cfg := config.MustLoad()

	lg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// MySQL holds stalls, products, members and the ledger
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		lg.Fatal("failed to open mysql", "error", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		lg.Fatal("failed to ping mysql", "error", err)
	}
	if cfg.MySQL.Migrate {
		if err := storage.RunMigrations(db); err != nil {
			lg.Fatal("failed to migrate mysql", "error", err)
		}
	}
	lg.Info("connected to mysql")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, PoolSize: 20})
	if err := rdb.Ping(ctx).Err(); err != nil {
		lg.Fatal("failed to connect redis", "error", err)
	}
	lg.Info("connected to redis")

	lockupStore, err := storage.NewLockupGormStore(storage.MustInitLockupDB(cfg.LockupDB.DSN))
	if err != nil {
		lg.Fatal("failed to init lockup store", "error", err)
	}
	lg.Info("connected to lockup database")

	bank, err := coinhouse.NewClient(cfg.Coinhouse.Addr, cfg.Coinhouse.Timeout)
	if err != nil {
		lg.Fatal("failed to init coinhouse client", "error", err)
	}
	game, err := gamebridge.NewClient(cfg.Game.Addr, cfg.Game.Timeout, lg.With("component", "gamebridge"))
	if err != nil {
		lg.Fatal("failed to init game bridge client", "error", err)
	}
	notifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg.With("component", "notify"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gameCtx := mainctx.NewExecutor(cfg.Game.QueueSize, lg.With("component", "mainctx"))

	repo := storage.NewMySQLAdapter(db)
	idem := storage.NewRedisAdapter(rdb)

	lockup := service.NewLockupService(repo, lockupStore, gameCtx, lg.With("component", "lockup"), m)
	stalls := service.NewStallService(repo, lockup, bank, gameCtx, lg.With("component", "stalls"), m, cfg.Economy.RentInterval)
	claims, err := service.NewClaimFlow(stalls, repo, lockup, bank, game, gameCtx, lg.With("component", "claims"), m, cfg.Economy.ClaimTimeout)
	if err != nil {
		lg.Fatal("failed to init claim flow", "error", err)
	}
	rent := service.NewRentRenewalService(repo, stalls, lockup, bank, idem, notifier, lg.With("component", "rent"), m, service.RentOptions{
		RentInterval:     cfg.Economy.RentInterval,
		BillingInterval:  cfg.Economy.BillingInterval,
		StartupDelay:     cfg.Economy.StartupDelay,
		GracePeriod:      cfg.Economy.GracePeriod,
		IdleReleaseAfter: cfg.Economy.IdleReleaseAfter,
		ShutdownWait:     cfg.Economy.ShutdownWait,
		IdempotencyTTL:   cfg.Economy.IdempotencyTTL,
	})
	rent.Start(ctx)
	lg.Info("rent renewal started", "interval", cfg.Economy.BillingInterval)

	// HTTP: market API plus metrics
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHTTPHandler(stalls, claims, lockup, game, game).Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(stalls, claims).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		lg.Fatal("failed to listen", "addr", cfg.GRPC.Addr, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("gRPC server listening", "addr", cfg.GRPC.Addr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		lg.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			lg.Warn("HTTP shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})
	serveErr := g.Wait()
	if serveErr != nil {
		lg.Error("server error", "error", serveErr)
	}

	// stop the background work before closing what it uses
	if err := rent.Stop(); err != nil {
		lg.Warn("rent renewal did not stop cleanly", "error", err)
	}
	claims.CloseAll()
	gameCtx.Stop()
	lg.Info("workers stopped")

	if err := notifier.Close(); err != nil {
		lg.Warn("close kafka writer", "error", err)
	}
	_ = bank.Close()
	_ = game.Close()
	_ = rdb.Close()
	_ = db.Close()
	lg.Info("connections closed")

	if serveErr != nil {
		lg.Sync()
		os.Exit(1)
	}
}

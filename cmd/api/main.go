package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/account"
	"github.com/chachabrian/mooveit-tanker/internal/config"
	"github.com/chachabrian/mooveit-tanker/internal/database"
	"github.com/chachabrian/mooveit-tanker/internal/geofence"
	"github.com/chachabrian/mooveit-tanker/internal/handlers"
	"github.com/chachabrian/mooveit-tanker/internal/middleware"
	"github.com/chachabrian/mooveit-tanker/internal/services"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
	"github.com/chachabrian/mooveit-tanker/internal/trip"
	"github.com/chachabrian/mooveit-tanker/internal/verification"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client := services.NewTripClient(cfg.TripService.BaseURL, cfg.TripService.Token, cfg.TripService.Timeout, logger)

	// Resolve which vehicle this agent runs on before serving anything.
	resolver := account.NewResolver(client, cfg.TripService.Timeout, logger)
	res, err := resolver.Resolve(ctx, cfg.VehicleNumber)
	if err != nil {
		return fmt.Errorf("failed to resolve vehicle: %w", err)
	}
	if res.Outcome == account.Unrecoverable {
		return fmt.Errorf("vehicle %s cannot be used: %s", res.Vehicle.VehicleNumber, res.Reason)
	}
	if res.Outcome == account.NewAccount {
		logger.Warn("no driver account yet for this vehicle", "vehicle_number", res.Vehicle.VehicleNumber)
	}
	vehicle := res.Vehicle
	logger.Info("vehicle resolved", "vehicle_id", vehicle.VehicleID, "outcome", res.Outcome)

	var store trip.Store = database.NewMemoryStore()
	if cfg.DB.Enabled() {
		db, err := database.InitDB(cfg.DB, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to get database instance: %w", err)
		}
		defer sqlDB.Close()

		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
		store = database.NewGormStore(db)
	} else {
		logger.Warn("database not configured, trip snapshots will not survive a restart")
	}

	var queue tracking.RetryQueue = tracking.NewMemoryQueue(cfg.Tracking.QueueLimit)
	if cfg.Redis.Enabled() {
		rdb, err := services.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer rdb.Close()
		queue = services.NewRedisQueue(rdb, cfg.Redis.QueueKey, cfg.Tracking.QueueLimit, cfg.Tracking.RetryWindow, logger)
	}

	storage, err := services.NewStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	hub := services.NewHub(logger)
	feed := tracking.NewFeed(cfg.Tracking.MaxFixAge)

	aggregator := tracking.NewAggregator(tracking.Config{
		Interval:         cfg.Tracking.Interval,
		MinDisplacementM: cfg.Tracking.MinDisplacementM,
		SampleTimeout:    cfg.Tracking.SampleTimeout,
		DeliveryTimeout:  cfg.TripService.Timeout,
	}, feed, feed, tracking.NewProcessRegistry(), client, queue, logger)

	retrier := tracking.NewRetrier(queue, client, tracking.RetryConfig{
		Window:      cfg.Tracking.RetryWindow,
		Idle:        cfg.Tracking.RetryIdle,
		MaxInterval: cfg.Tracking.RetryMaxInterval,
		SendTimeout: cfg.TripService.Timeout,
	}, logger)

	verifier := geofence.NewVerifier(feed, geofence.Config{
		MaxFixAge:   cfg.Geofence.MaxFixAge,
		FixTimeout:  cfg.Geofence.FixTimeout,
		MaxAttempts: cfg.Geofence.MaxAttempts,
	}, logger)

	gate := verification.NewGate(client, verification.Config{
		MaxAttempts: cfg.OTP.MaxAttempts,
		Timeout:     cfg.OTP.Timeout,
	}, logger)

	machine := trip.NewMachine(vehicle, trip.Deps{
		Service:     client,
		Uploader:    storage,
		Store:       store,
		Notifier:    hub,
		Tracker:     aggregator,
		Verifier:    verifier,
		Gate:        gate,
		Permissions: feed,
	}, trip.Config{RemoteTimeout: cfg.TripService.Timeout}, logger)

	if err := machine.Restore(ctx); err != nil {
		logger.Warn("could not restore trips, continuing with an empty view", "error", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(cfg, vehicle.VehicleID, machine, resolver, feed, hub, storage),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return machine.Run(gctx) })
	g.Go(func() error { return retrier.Run(gctx) })
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		aggregator.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, vehicleID string, machine *trip.Machine, resolver *account.Resolver,
	feed *tracking.Feed, hub *services.Hub, storage *services.Storage) *gin.Engine {
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(corsConfig))

	if !storage.UsesS3() {
		r.Static("/uploads", storage.UploadDir())
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Public routes
		api.POST("/vehicles/check", handlers.CheckVehicle(resolver))

		auth := middleware.AuthMiddleware(cfg.JWTSecret, vehicleID)

		// WebSocket connection
		api.GET("/ws", auth, handlers.WebSocketHandler(hub))

		protected := api.Group("/")
		protected.Use(auth)
		{
			bookings := protected.Group("/bookings")
			{
				bookings.GET("", handlers.ListBookings(machine))
				bookings.GET("/:bookingId/trip", handlers.GetTrip(machine))
				bookings.POST("/:bookingId/accept", handlers.Transition(machine.Accept))
				bookings.POST("/:bookingId/reject", handlers.Transition(machine.Reject))
				bookings.POST("/:bookingId/start", handlers.Transition(machine.Start))
				bookings.POST("/:bookingId/hydrant", handlers.ReachHydrant(machine))
				bookings.POST("/:bookingId/delivery", handlers.DeliverWater(machine))
				bookings.POST("/:bookingId/verification", handlers.RequestCompletionCode(machine))
				bookings.POST("/:bookingId/complete", handlers.ConfirmCompletion(machine))
			}

			protected.GET("/tracking/status", handlers.TrackingStatus(machine))

			device := protected.Group("/device")
			{
				device.POST("/fix", handlers.PushFix(feed))
				device.PUT("/permissions", handlers.SetPermissions(feed))
				device.POST("/resume", handlers.Resume(machine))
			}
		}
	}
	return r
}

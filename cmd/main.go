package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartplug_control/internal/config"
	"smartplug_control/internal/export"
	"smartplug_control/internal/handlers"
	"smartplug_control/internal/host"
	"smartplug_control/internal/intake"
	"smartplug_control/internal/kasa"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/repository"
	"smartplug_control/internal/repository/db"
	"smartplug_control/internal/server"
	"smartplug_control/internal/service"
	"smartplug_control/internal/worker"
)

const (
	klapQueueSize   = 64
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config.yml (default configs/config.yml)")
	flag.Parse()

	// init logger
	log := logger.Get(logger.InfoLevel)

	// load config
	store, err := config.Load(*configPath, log)
	if err != nil {
		log.Fatalw("error reading config", "err", err)
	}
	cfg := store.Get()
	log.SetLevel(logger.LevelFor(cfg.DebugLogging, cfg.Log.Level))

	// open DB
	conn, err := openDB(cfg, log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(conn)

	loop := worker.NewLoop(klapQueueSize)
	defer loop.Stop()
	transport := newTransport(cfg, repos, loop, log)

	printer := host.NewOctoPrint(cfg.OctoPrint.URL, cfg.OctoPrint.APIKey, nil)
	hub := handlers.NewHub(log.Named("ws"))

	var sinks []service.EnergySink
	if cfg.Influx.Enabled() {
		influx := export.NewInflux(cfg.Influx)
		defer influx.Close()
		sinks = append(sinks, influx)
		log.Infow("influx_export_enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	services := service.NewService(service.Deps{
		Repos:      repos,
		Settings:   store,
		Transport:  transport,
		Printer:    printer,
		Notifier:   hub,
		Sinks:      sinks,
		Log:        log,
		SigningKey: cfg.Auth.SigningKey,
		TokenTTL:   cfg.Auth.TokenTTL,
	})
	defer services.Close()

	store.OnChange(func(old, cur *config.Settings) {
		log.SetLevel(logger.LevelFor(cur.DebugLogging, cur.Log.Level))
		services.Monitor.SettingsChanged(old, cur)
		services.Poller.SettingsChanged(old, cur)
	})
	store.Watch()

	apiHandler := handlers.NewHandler(services, hub, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services.Monitor.Restore(ctx)
	services.Router.OnEvent(ctx, service.EventStartup, nil)
	go services.Poller.Run(ctx)

	sub := startIntake(cfg, services, log)

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, log)

	if sub != nil {
		sub.Stop()
	}
	hub.Close()
}

// openDB initializes the SQLite database using configuration.
func openDB(cfg *config.Settings, log *logger.Logger) (*sql.DB, error) {
	path := cfg.DB.Path
	if path == "" {
		log.Infow("db.path not set in config; using default file", "default", "energy_data.db")
		path = "energy_data.db"
	}
	return db.InitDB(path)
}

// newTransport puts the legacy and KLAP transports behind a protocol selector.
// Devices without a persisted config go through KLAP discovery.
func newTransport(cfg *config.Settings, repos *repository.Repository, loop *worker.Loop, log *logger.Logger) kasa.Transport {
	legacy := kasa.NewLegacyTransport(kasa.LegacyOptions{
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		ReadTimeout:    cfg.Transport.ReadTimeout,
		Store:          repos.DeviceConfigs,
	}, log.Named("legacy"))

	klap := kasa.NewKlapTransport(loop, kasa.KlapOptions{
		Timeout:     cfg.Transport.ReadTimeout,
		Credentials: kasa.Credentials{Username: cfg.Username, Password: cfg.Password},
		Store:       repos.DeviceConfigs,
	}, log.Named("klap"))

	return kasa.NewSelector(legacy, klap, repos.DeviceConfigs, log.Named("selector"))
}

// startIntake subscribes to the printer host's MQTT events when a broker is
// configured.
func startIntake(cfg *config.Settings, services *service.Service, log *logger.Logger) *intake.Subscriber {
	if cfg.MQTT.Broker == "" {
		log.Infow("mqtt broker not set; printer events disabled")
		return nil
	}
	sub := intake.New(cfg.MQTT, services.Router, log.Named("mqtt"))
	if err := sub.Start(); err != nil {
		// paho keeps retrying in the background
		log.Warnw("mqtt connect failed", "broker", cfg.MQTT.Broker, "err", err)
	}
	return sub
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// stop background goroutines
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
}

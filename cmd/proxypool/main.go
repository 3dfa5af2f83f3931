package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxypool/internal/config"
	"proxypool/internal/database"
	"proxypool/internal/logger"
	"proxypool/pkg/api"
	"proxypool/pkg/checker"
	"proxypool/pkg/getter"
	"proxypool/pkg/manager"
	"proxypool/pkg/scraper"
	"proxypool/pkg/server"
	"proxypool/pkg/store"
	"proxypool/pkg/tester"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	genConfig  = flag.Bool("gen-config", false, "Generate default config file")
	version    = flag.Bool("version", false, "Show version")
	check      = flag.String("check", "", "Validate a single proxy (host:port) and exit")
	mode       = flag.String("mode", "all", "What to run: all, getter, tester or api")
)

const (
	Version = "1.0.0"
	Banner  = `
______ ______ ______ ______ ______ ______ ______ ______

  ProxyPool - scored proxy pool v%s

______ ______ ______ ______ ______ ______ ______ ______

`
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ProxyPool v%s\n", Version)
		return
	}

	fmt.Printf(Banner, Version)

	if *genConfig {
		if err := config.SaveConfigTemplate("config.yaml"); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Println("Default config generated: config.yaml")
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, nil)
	l := logger.New("main")

	chk := checker.New(checker.Config{
		TestURL:         cfg.Checker.TestURL,
		Timeout:         cfg.Checker.Timeout,
		ValidStatus:     cfg.Checker.ValidStatus,
		AnonymityChecks: cfg.Checker.AnonymityChecks,
		EchoURLs:        cfg.Checker.EchoURLs,
		UserAgent:       cfg.Checker.UserAgent,
	})

	if *check != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*cfg.Checker.Timeout)
		defer cancel()
		result, err := checker.CheckSingle(ctx, chk, *check, os.Stdout)
		if err != nil {
			log.Fatalf("Invalid proxy %q: %v", *check, err)
		}
		if result.Status != checker.StatusHealthy {
			os.Exit(1)
		}
		return
	}

	opts := manager.DefaultOptions()
	opts.GetterInterval = cfg.Getter.Interval
	opts.TesterInterval = cfg.Tester.Interval
	opts.EnableGetter = cfg.Getter.Enabled
	opts.EnableTester = cfg.Tester.Enabled
	runAPI := cfg.API.Enabled
	runGateway := cfg.Server.Enabled
	switch *mode {
	case "all":
	case "getter":
		opts.EnableTester, runAPI, runGateway = false, false, false
		opts.EnableGetter = true
	case "tester":
		opts.EnableGetter, runAPI, runGateway = false, false, false
		opts.EnableTester = true
	case "api":
		opts.EnableGetter, opts.EnableTester = false, false
	default:
		log.Fatalf("Unknown mode %q (want all, getter, tester or api)", *mode)
	}

	l.InfoBg("Starting ProxyPool v%s in %s mode", Version, *mode)
	config.PrintConfig(cfg)

	s, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	crawlers := scraper.NewCrawlers(scraper.ScraperConfig{
		Timeout:       cfg.Getter.Timeout,
		UserAgent:     cfg.Getter.UserAgent,
		Sources:       cfg.Getter.Sources,
		StaticProxies: cfg.Getter.StaticProxies,
	})
	g := getter.New(s, crawlers, cfg.Getter.PoolCeiling)
	t := tester.New(s, chk, cfg.Tester.BatchSize)
	mgr := manager.NewManager(s, g, t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Failed to start proxy manager: %v", err)
	}

	var httpAPI *api.API
	if runAPI {
		httpAPI = api.New(mgr, cfg.API.Timeout)
		go func() {
			if err := httpAPI.ListenAndServe(cfg.API.ListenAddr); err != nil {
				l.ErrorBg("API server error: %v", err)
			}
		}()
	}

	var gateway *server.Server
	if runGateway {
		gateway = server.NewServer(mgr, &server.Config{
			ListenAddr:      cfg.Server.ListenAddr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     cfg.Server.IdleTimeout,
			DialTimeout:     cfg.Server.DialTimeout,
			UpstreamTimeout: cfg.Server.UpstreamTimeout,
			EnableHTTPS:     cfg.Server.EnableHTTPS,
			StripHeaders:    cfg.Server.StripHeaders,
			AddHeaders:      cfg.Server.AddHeaders,
		})
		go func() {
			if err := gateway.Start(); err != nil {
				l.ErrorBg("Gateway error: %v", err)
			}
		}()
		l.InfoBg("Gateway started on %s", cfg.Server.ListenAddr)
	}

	l.InfoBg("Press Ctrl+C to stop")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	l.InfoBg("Shutting down...")

	// Stop the manager first to cancel background sweeps
	mgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if gateway != nil {
		if err := gateway.Stop(shutdownCtx); err != nil {
			l.ErrorBg("Gateway shutdown error: %v", err)
		}
	}
	if httpAPI != nil {
		if err := httpAPI.Shutdown(); err != nil {
			l.ErrorBg("API shutdown error: %v", err)
		}
	}

	l.InfoBg("Shutdown complete")
}

// openStore connects the configured backend once for the life of the process.
func openStore(cfg *config.Config) (*store.Store, error) {
	var backend store.Backend
	switch cfg.Storage.Driver {
	case "redis":
		b, err := store.NewRedisBackend(store.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Key:         cfg.Redis.Key,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	case "sqlite":
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		backend = store.NewSQLiteBackend(db)
	default:
		backend = store.NewMemoryBackend()
	}

	s, err := store.New(backend, cfg.Scores())
	if err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

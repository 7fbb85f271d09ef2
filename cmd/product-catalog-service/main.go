// Package main boots the Product Catalog Service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/fairyhunter13/product-catalog-service/internal/catalog"
	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/consumer"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	httpapi "github.com/fairyhunter13/product-catalog-service/internal/http"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

func main() {
	app := &cli.App{
		Name:  "product-catalog-service",
		Usage: "product catalog over a record store, cache and search index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the consumer groups",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "HTTP listen address",
						EnvVars: []string{"HTTP_ADDR"},
					},
					&cli.BoolFlag{
						Name:  "no-consumers",
						Usage: "publish events but do not run the consumer groups",
					},
				},
				Action: runServe,
			},
			{
				Name:   "reindex",
				Usage:  "rebuild the search index from the record store and exit",
				Action: runReindex,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		obs.Logger.Error("service_failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) config.Config {
	cfg := config.Load()
	if v := cctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cctx.String("addr"); v != "" {
		cfg.HTTPAddr = v
	}
	obs.InitLogger(cfg.LogLevel)
	return cfg
}

func catalogOptions(cfg config.Config) catalog.Options {
	return catalog.Options{
		ProductTTL:       cfg.ProductCacheTTL,
		ListTTL:          cfg.ListCacheTTL,
		ReadTimeout:      cfg.ReadTimeout,
		ChangeTopic:      cfg.ProductTopic,
		ViewTopic:        cfg.ViewTopic,
		ChangePartitions: cfg.TopicPartitions,
		ViewPartitions:   cfg.ViewPartitions,
	}
}

func runServe(cctx *cli.Context) error {
	cfg := loadConfig(cctx)
	obs.Logger.Info("service_starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	pub := events.NewAsyncPublisher(b.Channel, events.AsyncPublisherOptions{
		Workers:       cfg.PublishWorkers,
		Buffer:        cfg.PublishBuffer,
		HighWatermark: cfg.PublishBuffer * 4,
	})
	pub.Start(ctx)

	if !cctx.Bool("no-consumers") {
		reg := events.NewRegistry(events.RetryPolicy{
			Retries:    cfg.ConsumerRetries,
			Delay:      cfg.ConsumerRetryDelay,
			DeadLetter: b.Channel,
		})
		topics := consumer.Topics{Changes: cfg.ProductTopic, Views: cfg.ViewTopic}
		if err := consumer.Register(reg, topics, cfg.ConsumerConcurrency, b.Index); err != nil {
			return err
		}
		if err := reg.Start(ctx, b.Channel); err != nil {
			return err
		}
	}

	svc := catalog.New(catalog.Deps{
		Store:   b.Store,
		Cache:   b.Cache,
		Index:   b.Index,
		Events:  pub,
		Options: catalogOptions(cfg),
	})
	app := httpapi.NewApp(svc, pub)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		obs.Logger.Info("shutdown_signal", "signal", s.String())
	case err := <-errc:
		obs.Logger.Error("http_server_error", "error", err)
		pub.Stop()
		return err
	}

	app.StartShutdown()
	obs.Logger.Info("shutdown_drain_begin", "queue_depth", pub.Depth())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := pub.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout", "queue_depth", pub.Depth())
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	pub.Stop()
	cancel()
	obs.Logger.Info("service_stopped")
	return nil
}

func runReindex(cctx *cli.Context) error {
	cfg := loadConfig(cctx)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	svc := catalog.New(catalog.Deps{
		Store:   b.Store,
		Cache:   b.Cache,
		Index:   b.Index,
		Options: catalogOptions(cfg),
	})
	n, err := svc.ReindexAll(ctx)
	if err != nil {
		return err
	}
	obs.Logger.Info("reindex_finished", "documents", n)
	return nil
}

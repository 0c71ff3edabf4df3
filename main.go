package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/feed/binance"
	"bookflow/feed/coinbase"
	"bookflow/internal/aggregate"
	"bookflow/internal/channel"
	"bookflow/internal/dashboard"
	"bookflow/internal/history"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}
	logger.StartReport(ctx, log, 30*time.Second)

	symMap, err := buildSymbolMap(cfg)
	if err != nil {
		log.WithError(err).Error("invalid symbol table")
		os.Exit(1)
	}

	channels := channel.NewChannels(
		cfg.Exchanges.Priority,
		cfg.Channels.EventBuffer,
		cfg.Channels.ResyncBuffer,
		cfg.Channels.NotifyBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	proc := processor.NewProcessor(cfg, channels, symMap)
	agg := aggregate.NewAggregator(cfg, proc, channels)

	var histStore *history.Store
	if cfg.History.Enabled {
		histStore, err = history.NewStore(cfg)
		if err != nil {
			log.WithError(err).Error("failed to open history store")
			os.Exit(1)
		}
		defer histStore.Close()

		histCh := make(chan models.AnalyticsSnapshot, cfg.Channels.SnapshotBuffer)
		agg.AddSink(histCh)
		go histStore.Run(ctx, histCh)
	} else {
		log.WithComponent("main").Info("history disabled; skipping sqlite sink")
	}

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archCh := make(chan models.AnalyticsSnapshot, cfg.Channels.SnapshotBuffer)
		agg.AddSink(archCh)

		archiver, err = writer.NewArchiver(cfg, archCh)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	var dashServer *dashboard.Server
	var dashCh chan models.AnalyticsSnapshot
	if cfg.Dashboard.Enabled {
		dashCh = make(chan models.AnalyticsSnapshot, cfg.Channels.SnapshotBuffer)
		agg.AddSink(dashCh)

		var histSrc dashboard.HistorySource
		if histStore != nil {
			histSrc = histStore
		}
		dashServer = dashboard.NewServer(cfg.Dashboard, cfg.Aggregator.DepthLevels, symMap.Canonicals(), proc, agg, histSrc)
	}

	coinbaseFeed, binanceFeed := buildFeeds(cfg, channels, symMap, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Start(ctx); err != nil {
			log.WithError(err).Warn("processor failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Start(ctx); err != nil {
			log.WithError(err).Warn("aggregator failed to start")
		}
	}()

	if archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Warn("archiver failed to start")
			}
		}()
	}

	if dashServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashServer.Run(ctx, dashCh); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	if coinbaseFeed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coinbaseFeed.Start(ctx); err != nil {
				log.WithError(err).Warn("coinbase feed failed to start")
			}
		}()
	}

	if binanceFeed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := binanceFeed.Start(ctx); err != nil {
				log.WithError(err).Warn("binance feed failed to start")
			}
		}()
	}

	// Route resync requests to the owning feed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-channels.Resync:
				if !ok {
					return
				}
				switch req.Exchange {
				case "coinbase":
					if coinbaseFeed != nil {
						coinbaseFeed.Resync(req)
					}
				case "binance":
					if binanceFeed != nil {
						binanceFeed.Resync(req)
					}
				default:
					log.WithComponent("main").WithFields(logger.Fields{
						"exchange": req.Exchange,
					}).Warn("resync request for unknown exchange")
				}
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if coinbaseFeed != nil {
		log.Info("stopping coinbase feed")
		coinbaseFeed.Stop()
	}
	if binanceFeed != nil {
		log.Info("stopping binance feed")
		binanceFeed.Stop()
	}

	log.Info("stopping processor")
	proc.Stop()

	log.Info("stopping aggregator")
	agg.Stop()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}

func buildSymbolMap(cfg *config.Config) (*symbols.Map, error) {
	entries := make([]symbols.Entry, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		entries = append(entries, symbols.Entry{Canonical: s.Canonical, Native: s.Native})
	}
	return symbols.NewMap(entries)
}

func buildFeeds(cfg *config.Config, channels *channel.Channels, symMap *symbols.Map, log *logger.Log) (*coinbase.Feed, *binance.Feed) {
	var cbFeed *coinbase.Feed
	if cfg.Feeds.Coinbase.Enabled {
		products := nativeSymbols(symMap, "coinbase")
		if len(products) > 0 {
			cbFeed = coinbase.NewFeed(cfg, channels, products)
		} else {
			log.WithComponent("main").Warn("coinbase feed enabled but no symbols mapped")
		}
	}

	var bnFeed *binance.Feed
	if cfg.Feeds.Binance.Enabled {
		syms := nativeSymbols(symMap, "binance")
		if len(syms) > 0 {
			bnFeed = binance.NewFeed(cfg, channels, syms)
		} else {
			log.WithComponent("main").Warn("binance feed enabled but no symbols mapped")
		}
	}

	return cbFeed, bnFeed
}

func nativeSymbols(symMap *symbols.Map, exchange string) []string {
	var out []string
	for _, canonical := range symMap.Canonicals() {
		if native, ok := symMap.Native(exchange, canonical); ok {
			out = append(out, native)
		}
	}
	return out
}

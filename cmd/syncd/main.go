package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/streamsync/internal/config"
	"github.com/you/streamsync/internal/httpapi"
	"github.com/you/streamsync/internal/poller"
	"github.com/you/streamsync/internal/sink"
	"github.com/you/streamsync/internal/store"
	"github.com/you/streamsync/internal/syncer"
	"github.com/you/streamsync/internal/upstream"
	"github.com/you/streamsync/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		upstreamURL     string
		upstreamToken   string
		tokenFile       string
		pollIntervalMS  int
		dbPath          string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&upstreamURL, "upstream-url", "", "Base URL of the streaming-control backend")
	flag.StringVar(&upstreamToken, "upstream-token", "", "Bearer token for the backend API")
	flag.StringVar(&tokenFile, "upstream-token-file", "", "Path to file containing the bearer token")
	flag.IntVar(&pollIntervalMS, "poll-interval-ms", 0, "Poll interval in milliseconds")
	flag.StringVar(&dbPath, "sqlite", "", "Path to the SQLite archive database")
	flag.StringVar(&httpAddr, "http-addr", "", "Dashboard API listen address (e.g., :8777)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"syncd version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["upstream-url"] {
		cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(upstreamURL), "/")
	}
	if overrides["upstream-token"] {
		cfg.Upstream.Token = strings.TrimSpace(upstreamToken)
	}
	if overrides["upstream-token-file"] {
		cfg.Upstream.TokenFile = strings.TrimSpace(tokenFile)
	}
	if overrides["poll-interval-ms"] && pollIntervalMS > 0 {
		cfg.Poll.IntervalMS = pollIntervalMS
	}
	if overrides["sqlite"] {
		cfg.Sink.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, o)
			}
		}
	}
	if overrides["http-rate-rps"] && httpRateRPS > 0 {
		cfg.HTTP.RateRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] && httpRateBurst > 0 {
		cfg.HTTP.RateBurst = httpRateBurst
	}

	if cfg.Upstream.BaseURL == "" {
		log.Fatal("syncd: upstream URL is required (set SYNC_UPSTREAM_URL or -upstream-url)")
	}

	log.Printf("%s", cfg.RedactedJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("syncd: received %s, shutting down", sig)
		cancel()
	}()

	client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Token, cfg.Upstream.TokenFile, cfg.UpstreamTimeout())
	if err != nil {
		log.Fatalf("syncd: upstream client: %v", err)
	}
	if cfg.Upstream.TokenFile != "" {
		if err := client.WatchTokenFile(cfg.Upstream.TokenFile, nil); err != nil {
			log.Printf("syncd: watch token file: %v", err)
		}
	}

	var archive sink.Archiver
	var archiveDB *sink.SQLiteSink
	if cfg.Sink.SQLitePath != "" {
		db, err := sink.OpenSQLite(cfg.Sink.SQLitePath)
		if err != nil {
			log.Fatalf("syncd: open sqlite: %v", err)
		}
		archiveDB = db
		defer func() {
			if err := archiveDB.Close(); err != nil {
				log.Printf("syncd: closing archive: %v", err)
			}
		}()
		archive = archiveDB

		if cfg.Sink.BatchSize > 1 || cfg.FlushInterval() > 0 {
			buffered := sink.NewBufferedArchiver(archiveDB, sink.BufferedOptions{
				BatchSize:     cfg.Sink.BatchSize,
				FlushInterval: cfg.FlushInterval(),
			})
			defer func() {
				if err := buffered.Close(); err != nil {
					log.Printf("syncd: flush archive: %v", err)
				}
			}()
			archive = buffered
		}
		log.Printf("syncd: archive ready at %s", cfg.Sink.SQLitePath)
	} else {
		log.Printf("syncd: archive disabled (no SYNC_SQLITE_PATH)")
	}

	st := store.New()
	engine := syncer.New(client, st, archive, syncer.Options{
		ChatRetention:  cfg.Poll.ChatRetention,
		AlertRetention: cfg.Poll.AlertRetention,
		TierCacheTTL:   cfg.TierCacheTTL(),
	})

	registry := prometheus.NewRegistry()
	sched := poller.New(cfg.PollInterval(), engine.Fetchers(), poller.NewMetrics(registry))

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		var apiArchive httpapi.Archive
		if archiveDB != nil {
			apiArchive = archiveDB
		}
		api = httpapi.New(st, apiArchive, engine, httpapi.Options{
			Addr:        cfg.HTTP.Addr,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			RateRPS:     cfg.HTTP.RateRPS,
			RateBurst:   cfg.HTTP.RateBurst,
			Registry:    registry,
			Build: httpapi.BuildInfo{
				Version: version.Version,
				Commit:  version.Commit,
				BuiltAt: version.BuildTime,
			},
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("syncd: http api: %v", err)
			}
		}()
	}

	log.Printf("syncd: polling %s every %s", cfg.Upstream.BaseURL, cfg.PollInterval())
	sched.Run(ctx)

	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("syncd: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	log.Printf("syncd: shutdown complete")
}

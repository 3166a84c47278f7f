// CLAUDE:SUMMARY Entry point for the feed bot — config, state DB, fetcher, IRC client, optional shortener/publisher/searcher, MCP/QUIC and ops HTTP optional.
// Command ircfeedbot polls configured feeds and announces new entries
// on IRC.
//
// Usage:
//
//	ircfeedbot --config-path libera.yaml
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ircfeedbot/bot"
	"github.com/hazyhaar/ircfeedbot/config"
	"github.com/hazyhaar/ircfeedbot/dbopen"
	"github.com/hazyhaar/ircfeedbot/dedup"
	"github.com/hazyhaar/ircfeedbot/fetch"
	"github.com/hazyhaar/ircfeedbot/idgen"
	"github.com/hazyhaar/ircfeedbot/irc"
	"github.com/hazyhaar/ircfeedbot/mcpquic"
	"github.com/hazyhaar/ircfeedbot/publish"
	"github.com/hazyhaar/ircfeedbot/search"
	"github.com/hazyhaar/ircfeedbot/shorten"
	"github.com/hazyhaar/ircfeedbot/stats"
)

func main() {
	configPath := flag.String("config-path", "", "path to the YAML instance file (required)")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Every line carries the same run ID, so one process's logs can be
	// told apart across restarts.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})).
		With("run", idgen.New())
	slog.SetDefault(logger)

	// Signal context. Shutdown runs the same drain path as the admin
	// exit command.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logger, *configPath)
	if err != nil {
		slog.Error("ircfeedbot: fatal", "error", err)
	}
	stop()
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, configPath string) (int, error) {
	if configPath == "" {
		return 2, errors.New("--config-path is required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return 1, fmt.Errorf("config: %w", err)
	}
	slog.Info("configured",
		"host", cfg.Host,
		"nick", cfg.Nick,
		"channels", len(cfg.Scopes()),
		"feeds", len(cfg.AllFeeds()),
		"env", config.Env)

	// State DB: dedup triples plus counters and the optional protocol
	// log share one handle.
	db, err := dbopen.Open(cfg.DBPath(), dbopen.WithMkdirAll())
	if err != nil {
		return 1, fmt.Errorf("state db: %w", err)
	}
	defer db.Close()

	store, err := dedup.NewStore(db)
	if err != nil {
		return 1, err
	}
	if err := store.Maintain(ctx); err != nil {
		slog.Warn("dedup maintenance", "error", err)
	}

	rec, err := stats.New(db)
	if err != nil {
		return 1, err
	}
	defer rec.Close()
	if removed, err := rec.Cleanup(ctx, config.ProtoLogKeep); err != nil {
		slog.Warn("protocol log maintenance", "error", err)
	} else if removed > 0 {
		slog.Info("protocol log pruned", "removed", removed)
	}

	// b is assigned after the collaborators below; they only alert once
	// Run has started the workers.
	var b *bot.Bot

	fetcher, err := fetch.New(fetch.Config{
		CachePath: filepath.Join(cfg.CacheDir(), "urlreader.db"),
		OnAlert:   func(msg string) { b.Alert(msg) },
	})
	if err != nil {
		return 1, err
	}
	defer fetcher.Close()

	opts := []bot.Option{bot.WithStats(rec)}

	if tokens := shorten.Tokens(); len(tokens) > 0 {
		bitly, err := shorten.NewBitly(tokens)
		if err != nil {
			return 1, err
		}
		opts = append(opts, bot.WithShortener(bitly))
	} else {
		slog.Warn("BITLY_TOKENS not set, shortening disabled")
	}

	var pubs []publish.Publisher
	archiveRepo := ""
	for name, repo := range cfg.Publish {
		if name != "github" {
			return 1, fmt.Errorf("publish: unknown backend %q", name)
		}
		backend, err := publish.NewGitHub(repo, cfg.CacheDir())
		if err != nil {
			return 1, err
		}
		defer backend.Close()
		pubs = append(pubs, publish.NewRetrier(backend, func(msg string) { b.Alert(msg) }))
		archiveRepo = repo
	}
	if len(pubs) > 0 {
		opts = append(opts, bot.WithPublishers(pubs...))
	}

	if archiveRepo != "" {
		searcher, err := search.NewGitHub(archiveRepo, func(target, text string) { b.Say(target, text) })
		if err != nil {
			slog.Warn("search disabled", "error", err)
		} else {
			opts = append(opts, bot.WithSearcher(searcher))
		}
	}

	client := irc.New(cfg)
	b = bot.New(cfg, client, store, fetcher, opts...)

	// Optional MCP QUIC.
	if env("MCP_TRANSPORT", "") == "quic" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "ircfeedbot",
			Version: "1.0.0",
		}, nil)
		b.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		var tlsErr error
		if certFile != "" && keyFile != "" {
			tlsCfg, tlsErr = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, tlsErr = mcpquic.SelfSignedTLSConfig()
		}
		if tlsErr != nil {
			slog.Error("MCP QUIC TLS", "error", tlsErr)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	// Optional ops HTTP.
	if addr := env("HTTP_ADDR", ""); addr != "" {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]string{"status": "ok"})
		})
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			counters, err := rec.Counters(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, counters)
		})
		r.Get("/feeds", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, b.FeedStates())
		})

		srv := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("ops server starting", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("ops server shutdown", "error", err)
			}
		}()
	}

	code, err := b.Run(ctx)
	if err != nil {
		return code, err
	}
	slog.Info("ircfeedbot stopped", "code", code)
	return code, nil
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

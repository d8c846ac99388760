package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/Tomato6966/remote-sqlite-database/pkg/config"
	"github.com/Tomato6966/remote-sqlite-database/pkg/journal"
	"github.com/Tomato6966/remote-sqlite-database/pkg/server"
	"github.com/Tomato6966/remote-sqlite-database/pkg/store"
)

const Version = "0.1.0"

const usage = `Remote cache server.

Serves the cache over websocket sessions on /sync, persisting every entry to SQLite.

Usage:
    server [--config=<file>] [--addr=<addr>] [--db=<path>] [--dump=<file>] [--debug]
    server -h | --help
    server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<file>    YAML config file, overridden by REMOTECACHE_ environment variables.
    --addr=<addr>      Address to listen on.
    --db=<path>        SQLite database file.
    --dump=<file>      Write the change journal to this file on shutdown.
    --debug            Log every request.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		return err
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Addr = addr
	}
	if db, _ := opts.String("--db"); db != "" {
		cfg.Database = db
	}
	if debug, _ := opts.Bool("--debug"); debug {
		cfg.Debug = true
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("Opening database", "path", cfg.Database, "name", cfg.Name)
	backend, err := store.OpenSQLite(cfg.Database, cfg.Name)
	if err != nil {
		return err
	}
	defer backend.Close()
	cache, err := store.Open(backend)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var j *journal.Journal
	if cfg.Journal {
		if j, err = restoreJournal(ctx, backend, cache, cfg.Name); err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Store:       cache,
		Journal:     j,
		Credentials: cfg.Credentials(),
		Settings:    cfg.TransportSettings(),
		KeyPathing:  cfg.KeyPathing,
	})

	wg := new(sync.WaitGroup)

	if j != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.SnapshotInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					snapshot(ctx, backend, cache, cfg, j)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-srv.Events():
				slog.Debug("event", "kind", ev.Kind, "session", ev.SessionID, "err", ev.Err)
			case <-ctx.Done():
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr <- srv.ListenAndServe(ctx, cfg.Addr, cfg.TLSCertFile, cfg.TLSKeyFile)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case err = <-serveErr:
		if err != nil {
			slog.Error("server stopped", "err", err)
		}
	}
	cancel()
	wg.Wait()

	if j == nil {
		return err
	}
	snapshot(context.Background(), backend, cache, cfg, j)
	if dump, _ := opts.String("--dump"); dump != "" {
		if werr := os.WriteFile(dump, j.Save(), 0o644); werr != nil {
			slog.Error("failed to dump journal", "path", dump, "err", werr)
		} else {
			slog.Info("dumped", "path", dump)
		}
	}
	return err
}

func restoreJournal(ctx context.Context, backend *store.SQLite, cache *store.Cache, name string) (*journal.Journal, error) {
	if err := journal.InitSnapshots(ctx, backend.DB()); err != nil {
		return nil, err
	}
	j, err := journal.LoadSnapshot(ctx, backend.DB(), name)
	if err != nil {
		return nil, err
	}
	entries := entriesOf(cache)
	if err := j.Reconcile(entries); err != nil {
		return nil, fmt.Errorf("failed to reconcile journal: %w", err)
	}
	slog.Info("restored", "entries", len(entries), "changes", j.Len(), "heads", j.Heads())
	return j, nil
}

func entriesOf(cache *store.Cache) map[string]any {
	entries := make(map[string]any, cache.Count())
	for _, e := range cache.Entries() {
		entries[e.Key] = e.Value
	}
	return entries
}

// snapshot compacts the journal when it has grown past its limit and backs it up if it changed.
func snapshot(ctx context.Context, backend *store.SQLite, cache *store.Cache, cfg *config.ServerConfig, j *journal.Journal) {
	if compacted, err := j.Compact(cfg.JournalMaxChanges, func() map[string]any { return entriesOf(cache) }); err != nil {
		slog.Error("failed to compact journal", "err", err)
	} else if compacted {
		slog.Info("compacted journal", "name", cfg.Name, "heads", j.Heads())
	}
	if saved, err := journal.SaveSnapshot(ctx, backend.DB(), cfg.Name, j); err != nil {
		slog.Error("failed to back up journal", "err", err)
	} else if saved {
		slog.Info("backed up", "name", cfg.Name, "changes", j.Len(), "heads", j.Heads())
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Tomato6966/remote-sqlite-database/pkg/config"
	"github.com/Tomato6966/remote-sqlite-database/pkg/journal"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
	"github.com/Tomato6966/remote-sqlite-database/pkg/viz"
)

const Version = "0.1.0"

const usage = `Inspect the change journal of a cache.

Usage:
    debug file <journal> [--key=<key>] [--out=<svg>]
    debug db <database> [--name=<name>] [--key=<key>] [--out=<svg>]
    debug remote <url> [--username=<name>] [--password=<secret>] [--key=<key>] [--out=<svg>]
    debug -h | --help
    debug --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --name=<name>          Journal name in the database [default: database].
    --username=<name>      Username for the server [default: database_cache].
    --password=<secret>    Password for the server, defaults to REMOTECACHE_PASSWORD.
    --key=<key>            Root key whose history is printed and rendered.
    --out=<svg>            Where to write the rendered history, a temp file when omitted.`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var j *journal.Journal
	if x, _ := opts.Bool("file"); x {
		path, _ := opts.String("<journal>")
		j, err = fromFile(path)
	} else if x, _ := opts.Bool("db"); x {
		path, _ := opts.String("<database>")
		name, _ := opts.String("--name")
		j, err = fromDatabase(ctx, path, name)
	} else if x, _ := opts.Bool("remote"); x {
		url, _ := opts.String("<url>")
		username, _ := opts.String("--username")
		password, _ := opts.String("--password")
		if password == "" {
			password = os.Getenv(config.EnvPrefix + "PASSWORD")
		}
		j, err = fromServer(ctx, url, transport.Credentials{Identity: username, Secret: password})
	}
	if err != nil {
		return err
	}

	keys, err := j.Keys()
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	slog.Info("loaded journal", "keys", keys)
	slog.Info("loaded heads", "heads", j.Heads())

	doc, err := j.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork journal: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "message", change.Message(), "dep", change.Dependencies())
	}

	key, _ := opts.String("--key")
	if key == "" {
		return nil
	}
	steps, err := viz.History(doc, key)
	if err != nil {
		return err
	}
	for _, step := range steps {
		fmt.Println(step.Label())
	}

	out, _ := opts.String("--out")
	if out == "" {
		if out, err = viz.RenderToTemp(doc, key); err != nil {
			return err
		}
	} else if err := viz.RenderHistoryToFile(doc, key, out); err != nil {
		return err
	}
	slog.Info("rendered", "key", key, "path", "file://"+out)
	return nil
}

func fromFile(path string) (*journal.Journal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return journal.Load(buff)
}

func fromDatabase(ctx context.Context, path, name string) (*journal.Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return journal.LoadSnapshot(ctx, db, name)
}

// fromServer downloads the journal of a running server. url is the server's base http(s) address.
func fromServer(ctx context.Context, url string, creds transport.Credentials) (*journal.Journal, error) {
	header, err := creds.Header(time.Now())
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/journal", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = header
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch journal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch journal: %s", resp.Status)
	}
	buff, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return journal.Load(buff)
}

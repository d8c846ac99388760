package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/Tomato6966/remote-sqlite-database/pkg/client"
	"github.com/Tomato6966/remote-sqlite-database/pkg/config"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

const Version = "0.1.0"

const usage = `Remote cache client.

Values are parsed as JSON and fall back to plain strings, so 42 is a number and "42" or hello are strings.

Usage:
    client [options] get <key> [<path>]
    client [options] has <key> [<path>]
    client [options] set <key> <value> [<path>]
    client [options] ensure <key> <value> [<path>]
    client [options] delete <key> [<path>]
    client [options] add <key> <number> [<path>]
    client [options] subtract <key> <number> [<path>]
    client [options] math <key> <operator> <number> [<path>]
    client [options] push <key> <value> [<path>]
    client [options] remove <key> <value> [<path>]
    client [options] clear
    client [options] keys
    client [options] entries
    client [options] count
    client [options] ping
    client [options] watch
    client -h | --help
    client --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<file>        YAML config file, overridden by REMOTECACHE_ environment variables.
    --url=<url>            Server sync address, for example ws://localhost:5000/sync.
    --username=<name>      Username to authenticate with.
    --password=<secret>    Password to authenticate with.
    --key-pathing          Treat dots in keys as paths into the stored value.
    --insecure             Skip TLS certificate verification.
    --debug                Enable debug logging.`

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

	level := slog.LevelWarn
	if debug, _ := opts.Bool("--debug"); debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	configPath, _ := opts.String("--config")
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}
	if v, _ := opts.String("--url"); v != "" {
		cfg.URL = v
	}
	if v, _ := opts.String("--username"); v != "" {
		cfg.Username = v
	}
	if v, _ := opts.String("--password"); v != "" {
		cfg.Password = v
	}
	if x, _ := opts.Bool("--key-pathing"); x {
		cfg.KeyPathing = true
	}
	if x, _ := opts.Bool("--insecure"); x {
		cfg.InsecureSkipVerify = true
	}
	watching, _ := opts.Bool("watch")
	// one-shot commands fail fast instead of redialing
	cfg.Reconnect = cfg.Reconnect && watching
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, cfg.ClientOptions())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}
	defer c.Close()

	if watching {
		return watch(ctx, c)
	}
	return run(ctx, c, opts)
}

func run(ctx context.Context, c *client.Client, opts docopt.Opts) error {
	key, _ := opts.String("<key>")
	path, _ := opts.String("<path>")

	if x, _ := opts.Bool("get"); x {
		v, ok := c.Get(key, path)
		if !ok {
			return protocol.Errorf(protocol.KindNotFound, "%s is not in the cache", key)
		}
		return printJSON(v)
	} else if x, _ := opts.Bool("has"); x {
		return printJSON(c.Has(key, path))
	} else if x, _ := opts.Bool("set"); x {
		return c.Set(ctx, key, parseValue(opts, "<value>"), path)
	} else if x, _ := opts.Bool("ensure"); x {
		written, err := c.Ensure(ctx, key, parseValue(opts, "<value>"), path)
		if err != nil {
			return err
		}
		return printJSON(written)
	} else if x, _ := opts.Bool("delete"); x {
		return c.Delete(ctx, key, path)
	} else if x, _ := opts.Bool("add"); x {
		return math(ctx, c, key, protocol.OpAdd, opts, path)
	} else if x, _ := opts.Bool("subtract"); x {
		return math(ctx, c, key, protocol.OpSubtract, opts, path)
	} else if x, _ := opts.Bool("math"); x {
		op, _ := opts.String("<operator>")
		return math(ctx, c, key, protocol.Operator(op), opts, path)
	} else if x, _ := opts.Bool("push"); x {
		return c.Push(ctx, key, parseValue(opts, "<value>"), path)
	} else if x, _ := opts.Bool("remove"); x {
		return c.Remove(ctx, key, parseValue(opts, "<value>"), path)
	} else if x, _ := opts.Bool("clear"); x {
		return c.Clear(ctx)
	} else if x, _ := opts.Bool("keys"); x {
		return printJSON(c.Keys())
	} else if x, _ := opts.Bool("entries"); x {
		return printJSON(c.Entries())
	} else if x, _ := opts.Bool("count"); x {
		n, err := c.Count(ctx)
		if err != nil {
			return err
		}
		return printJSON(n)
	} else if x, _ := opts.Bool("ping"); x {
		rtt, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Println(rtt)
		return nil
	}
	return fmt.Errorf("unknown command")
}

func math(ctx context.Context, c *client.Client, key string, op protocol.Operator, opts docopt.Opts, path string) error {
	raw, _ := opts.String("<number>")
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return protocol.Errorf(protocol.KindValidation, "%q is not a number", raw)
	}
	result, err := c.Math(ctx, key, op, n, path)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// watch prints every update and connection change until interrupted.
func watch(ctx context.Context, c *client.Client) error {
	if err := printJSON(c.Entries()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transport.EventUpdated:
				if ev.Key == "" {
					fmt.Println("cleared")
					continue
				}
				v, exists := c.Get(ev.Key, "")
				if !exists {
					fmt.Printf("%s deleted\n", ev.Key)
					continue
				}
				raw, err := json.Marshal(v)
				if err != nil {
					return err
				}
				fmt.Printf("%s = %s\n", ev.Key, raw)
			case transport.EventErrored:
				return ev.Err
			default:
				slog.Warn("connection", "state", ev.Kind, "err", ev.Err)
			}
		}
	}
}

func parseValue(opts docopt.Opts, name string) any {
	raw, _ := opts.String(name)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}

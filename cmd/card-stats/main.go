// Command card-stats resolves card wishlist and owners counts against the
// origin site, keeps them in a local cache and shares them through a sync
// server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/card-stats/credentials"
	"github.com/wolfeidau/card-stats/origin"
	"github.com/wolfeidau/card-stats/server"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string           `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"CARD_STATS_LOG_LEVEL"`
	LogFormat string           `help:"Log format (text, json)." default:"text" enum:"text,json" env:"CARD_STATS_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`

	CredentialsFile string `name:"credentials" help:"JSON template supplying tokens and the store DSN; flags take precedence." type:"path" env:"CARD_STATS_CREDENTIALS"`

	logger *slog.Logger `kong:"-"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Run the sync server."`
	Agent   AgentCmd   `cmd:"" help:"Keep the local cache in sync with the sync server."`
	Count   CountCmd   `cmd:"" help:"Resolve counts for one or more cards."`
	Refresh RefreshCmd `cmd:"" help:"Drop and re-scrape both counts of a card."`
	Sync    SyncCmd    `cmd:"" help:"Run one sync with the sync server."`
	Clear   ClearCmd   `cmd:"" help:"Wipe the local cache."`
	Dumps   DumpsCmd   `cmd:"" help:"Show pages saved for review under a cache key."`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var cli CLI
	parser, err := newParser(&cli, stdout)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	cli.logger = logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.CredentialsFile != "" {
		loader := credentials.NewLoader(credentials.WithLogger(logger), credentials.WithOnePassword())
		creds, err := loader.LoadFile(ctx, cli.CredentialsFile)
		if err != nil {
			return err
		}
		cli.fill(creds)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.BindTo(stdout, (*io.Writer)(nil))
	return kctx.Run(&cli.Globals)
}

// fill copies secrets into the flags that were left empty.
func (cli *CLI) fill(creds *credentials.Credentials) {
	creds.Fill(&cli.Serve.AuthToken, nil, nil, &cli.Serve.Store)
	for _, f := range []*syncFlags{&cli.Agent.Sync, &cli.Sync.Sync} {
		creds.Fill(nil, &f.SyncToken, nil, nil)
	}
	for _, f := range []*originFlags{&cli.Count.Origin, &cli.Refresh.Origin} {
		creds.Fill(nil, nil, &f.CSRFToken, nil)
	}
}

func newParser(cli *CLI, stdout io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("card-stats"),
		kong.Description("Cache-coherent card wishlist and owners counts."),
		kong.UsageOnError(),
		kong.Writers(stdout, os.Stderr),
		kong.Vars{
			"version":     version,
			"origin_url":  origin.DefaultBaseURL,
			"default_dsn": server.DefaultStoreDSN,
		},
	)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

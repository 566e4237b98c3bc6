// Command beigebox is an OpenAI-compatible proxy with hybrid routing:
// one endpoint in front of several inference backends, picking the
// cheapest competent model per request.
//
// Usage:
//
//	beigebox serve --config beigebox.yaml
//	beigebox validate --config beigebox.yaml
//	beigebox schema > config-schema.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/proxy"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the proxy server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the config file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"beigebox.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("beigebox %s\n", version)
	return nil
}

// ServeCmd starts the proxy.
type ServeCmd struct {
	Host string `help:"Override listen host."`
	Port int    `help:"Override listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	p, err := proxy.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return p.Start(ctx)
}

// ValidateCmd loads and validates a config without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

func main() {
	// Best effort: missing .env files are fine.
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("beigebox"),
		kong.Description("OpenAI-compatible proxy with hybrid LLM routing"),
		kong.UsageOnError(),
	)

	if err := initLogger(cli.LogLevel, cli.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

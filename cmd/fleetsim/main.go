package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"fleetsim/internal/config"
	"fleetsim/internal/docker"
	"fleetsim/internal/execx"
	"fleetsim/internal/fleet"
	"fleetsim/internal/sim"
)

const usage = `fleetsim - interactive fleet-node network simulator

Usage:
  fleetsim sim [--config <path>] [--script <path>]
  fleetsim config init [--config <path>]

sim starts the interactive command loop against the local container runtime.
With --script, commands are read from a file instead of stdin; the session is
torn down at quit or end of input either way. Type "help" at the prompt for
the command grammar.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "sim":
		handleSim(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleSim(args []string) {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	scriptPath := fs.String("script", "", "read commands from a file instead of stdin")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	logger := newLogger(cfg.Verbosity)

	var in io.Reader = os.Stdin
	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		in = f
	}

	runner := execx.NewOSRunner(os.Stdout, os.Stderr)
	rt := docker.NewManager(cfg.DockerBin, runner)
	session, err := fleet.NewSession(cfg, rt, logger)
	if err != nil {
		fatal(err)
	}
	logger.Info().Str("session", session.ID()).Str("image", cfg.Image).Msg("session started")

	ctx, cancel := signalContext()
	defer cancel()
	fatal(sim.New(session, in, os.Stdout, logger).Run(ctx))
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "config subcommand required (init)\n")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", "fleetsim.yaml", "path to write the default YAML config")
	_ = fs.Parse(args[1:])

	if err := config.Save(*configPath, config.Default()); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
}

func newLogger(verbosity string) zerolog.Logger {
	level := zerolog.InfoLevel
	switch verbosity {
	case "dbug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

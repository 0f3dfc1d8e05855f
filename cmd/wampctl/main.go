// Command wampctl - консольный WAMP-клиент.
//
// Usage:
//
//	wampctl [flags] <command> [args]
//
// Flags:
//
//	-config string     Configuration file path (yaml or toml)
//	-url string        Router websocket url
//	-realm string      Realm to join
//	-log-level string  Log level: debug, info, warn, error
//	-trace string      Write CBOR frame trace to file
//
// Commands:
//
//	publish <topic> [json-args]     - Publish an event and wait for the ack
//	call <procedure> [json-args]    - Call a procedure and print the result
//	subscribe <topic>               - Print events until interrupted
//	shell                           - Interactive session
//	trace <file> [conn-id]          - Print a recorded frame trace
//
// Examples:
//
//	wampctl -url ws://localhost:8080/ws publish com.example.topic '["hello"]'
//	wampctl -config wamp.yaml call com.example.add '[2, 3]'
//	wampctl -trace session.cbor shell
//	wampctl trace session.cbor
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/LLIEPJIOK/service-mesh/wamp/internal/config"
	"github.com/LLIEPJIOK/service-mesh/wamp/internal/logging"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp/trace"
)

type options struct {
	configPath string
	url        string
	realm      string
	logLevel   string
	tracePath  string
}

func main() {
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "Configuration file path (yaml or toml)")
	flag.StringVar(&opts.url, "url", "", "Router websocket url")
	flag.StringVar(&opts.realm, "realm", "", "Realm to join")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.tracePath, "trace", "", "Write CBOR frame trace to file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, flag.Args(), os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "wampctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: wampctl [flags] publish|call|subscribe|shell|trace [args]\n\n")
	flag.PrintDefaults()
}

func run(ctx context.Context, opts options, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]

	// trace не подключается к роутеру
	if cmd == "trace" {
		return runTrace(rest, stdout)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, stderr)

	recorders := []trace.Recorder{trace.NewSlogRecorder(logger)}
	if cfg.Client.Trace != "" {
		file, err := trace.NewFileRecorder(cfg.Client.Trace, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := file.Close(); err != nil {
				logger.Warn("trace close failed", "error", err)
			}
		}()

		recorders = append(recorders, file)
	}

	a := &app{
		cfg:    cfg.Client,
		logger: logger,
		tracer: trace.Tracer{Recorder: trace.Multi(recorders...)},
		out:    stdout,
	}

	switch cmd {
	case "publish":
		if len(rest) < 1 {
			return fmt.Errorf("%w: publish <topic> [json-args]", ErrUsage)
		}
		return a.publish(ctx, wamp.URI(rest[0]), argAt(rest, 1))

	case "call":
		if len(rest) < 1 {
			return fmt.Errorf("%w: call <procedure> [json-args]", ErrUsage)
		}
		return a.call(ctx, wamp.URI(rest[0]), argAt(rest, 1))

	case "subscribe":
		if len(rest) != 1 {
			return fmt.Errorf("%w: subscribe <topic>", ErrUsage)
		}
		return a.subscribe(ctx, wamp.URI(rest[0]))

	case "shell":
		return a.shell(ctx)

	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if opts.url != "" {
		cfg.Client.URL = opts.url
	}
	if opts.realm != "" {
		cfg.Client.Realm = opts.realm
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.tracePath != "" {
		cfg.Client.Trace = opts.tracePath
	}

	if err := cfg.Client.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

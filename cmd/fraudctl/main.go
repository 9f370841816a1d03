// Command fraudctl scores transaction files and inspects the profile store.
//
// Usage:
//
//	fraudctl [-config file.yaml] batch <file> [-output results.json]
//	fraudctl profile <user-id>
//	fraudctl summary <user-id>
//	fraudctl backtest <labeled.json>
//	fraudctl export-model -output models/fraud_model.json
//	fraudctl hash-key [api-key]
//	fraudctl migrate <up|down|status|version|redo>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
)

var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(ctx context.Context, cfg *configs.Config, args []string, out io.Writer) error
}

var commands = map[string]command{
	"batch":        {"batch <file> [-output file]", runBatch},
	"profile":      {"profile <user-id>", runProfile},
	"summary":      {"summary <user-id>", runSummary},
	"backtest":     {"backtest <file>", runBacktest},
	"export-model": {"export-model [-output path]", runExportModel},
	"hash-key":     {"hash-key [api-key]", runHashKey},
	"migrate":      {"migrate <up|down|status|version|redo> [args]", runMigrate},
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	global := flag.NewFlagSet("fraudctl", flag.ExitOnError)
	configPath := global.String("config", "", "YAML configuration file")
	verbose := global.Bool("v", false, "verbose logging")
	global.Usage = func() { printUsage(global.Output()) }
	_ = global.Parse(os.Args[1:])

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	args := global.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fraudctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, cfg, args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "usage: fraudctl %s\n", cmd.usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "fraudctl %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*configs.Config, error) {
	if path != "" {
		return configs.LoadFile(path)
	}
	return configs.FromEnvironment()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: fraudctl [-config file] [-v] <command> [args]")
	fmt.Fprintln(w, "commands:")
	for _, name := range []string{"batch", "profile", "summary", "backtest", "export-model", "hash-key", "migrate"} {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

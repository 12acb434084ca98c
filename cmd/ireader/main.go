// iReader agent engine entrypoint.
//
// Usage:
//
//	ireader serve                        # start the engine
//	ireader serve --config config.yaml   # with a config file
//	ireader version                      # show version information
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/changqingla/ireader/config"
	"github.com/changqingla/ireader/internal/logging"
)

// Injected at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("ireader %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		EnableCaller: cfg.Log.EnableCaller,
	})
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ireader",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit))

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	if err := app.Run(); err != nil {
		logger.Fatal("engine stopped with error", zap.Error(err))
	}
	logger.Info("ireader stopped")
}

func printUsage() {
	fmt.Println(`ireader - document agent engine

Usage:
  ireader <command> [options]

Commands:
  serve     Start the engine
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  ireader serve
  ireader serve --config /etc/ireader/config.yaml`)
}

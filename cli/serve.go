package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/georgepadayatti/signpad/journal"
	"github.com/georgepadayatti/signpad/server"
)

// ServeCommand implements the 'serve' command.
func ServeCommand(args []string) {
	serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)

	var (
		configPath  string
		addr        string
		journalPath string
	)
	serveFlags.StringVar(&configPath, "config", "", "YAML configuration file")
	serveFlags.StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	serveFlags.StringVar(&journalPath, "journal", "", "SQLite event journal path (overrides journal.path)")

	serveFlags.Usage = func() {
		fmt.Printf("Usage: %s serve [options]\n\n", os.Args[0])
		fmt.Println("Run the HTTP signing service.")
		fmt.Println("")
		fmt.Println("Options:")
		serveFlags.PrintDefaults()
	}

	if err := serveFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, configPath, addr, journalPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func serve(ctx context.Context, configPath, addr, journalPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if journalPath != "" {
		cfg.Journal.Path = journalPath
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, server.WithJournal(j))
		logger.Info("journal enabled", "path", cfg.Journal.Path)
	}

	return server.New(cfg, opts...).Run(ctx)
}

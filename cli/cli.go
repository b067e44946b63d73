// Package cli provides the command-line interface for stamping signature
// images into PDF files and serving signing sessions over HTTP.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/georgepadayatti/signpad/config"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "stamp":
		StampCommand(args)
	case "serve":
		ServeCommand(args)
	case "info":
		InfoCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("signpad - place signature images on PDF pages\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  stamp    Stamp signature images at given positions and export a new PDF")
	fmt.Println("  serve    Run the HTTP signing service")
	fmt.Println("  info     Show page count, page sizes and fingerprint of a PDF")
	fmt.Println("  version  Show version information")
	fmt.Println("  help     Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s stamp -sig signature.png -at 1:72,650 contract.pdf download.pdf\n", os.Args[0])
	fmt.Printf("  %s serve -config signpad.yaml\n", os.Args[0])
	fmt.Printf("  %s info -json contract.pdf\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("signpad version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}

// loadConfig reads the configuration file at path, or returns the defaults
// when path is empty.
func loadConfig(path string) (*config.AppConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAppConfig(path)
}

// setupLogger builds the logger described by cfg and installs it as the
// slog default.
func setupLogger(cfg *config.LoggingConfig) (*slog.Logger, func(), error) {
	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, func() { closer.Close() }, nil
}

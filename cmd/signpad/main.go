// Command signpad places signature images on PDF pages.
//
// Usage:
//
//	signpad <command> [options] <args>
//
// Commands:
//
//	stamp    Stamp signature images and export a new PDF
//	serve    Run the HTTP signing service
//	info     Show page count, page sizes and fingerprint of a PDF
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Stamp one signature on page 1
//	signpad stamp -sig signature.png -at 1:72,650 contract.pdf download.pdf
//
//	# Serve the HTTP API
//	signpad serve -config signpad.yaml
//
//	# Inspect a PDF
//	signpad info -json contract.pdf
package main

import (
	"os"

	"github.com/georgepadayatti/signpad/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/signpad
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}

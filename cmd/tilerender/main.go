package main

// ============================================================================
// Tilerender entry point: builds the CLI and handles top-level errors and
// panics. All command logic lives in internal/cli.
//
//   go run ./cmd/tilerender render --view "cx=-0.745&cy=0.1&pp=0.0005&it=800"
//   go run ./cmd/tilerender explore < commands.txt
//   go run ./cmd/tilerender worker --listen :50051
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/tilerender/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/roomcall/internal/app"
	"github.com/petervdpas/roomcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "roomcall.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: roomcall serve <node-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create node directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("roomcall - call orchestration node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomcall serve <directory>   Run a node from the specified directory")
	fmt.Println()
	fmt.Println("  The directory holds " + cfgName + "; a default one is written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  roomcall serve ./nodes/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config, created bool) {
	fmt.Printf("Node Directory: %s\n", dir)
	fmt.Printf("Config File:    %s", cfgPath)
	if created {
		fmt.Print(" (created)")
	}
	fmt.Println()
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Backend)
	if cfg.API.Addr != "" {
		fmt.Printf("API:            http://%s\n", cfg.API.Addr)
	}
	fmt.Println()
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

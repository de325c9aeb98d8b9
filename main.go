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

	"github.com/cofoundhq/cofound/internal/app"
	"github.com/cofoundhq/cofound/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dataDir  = flag.String("dir", ".", "Peer data directory (config, identity key, database)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Cofound v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*dataDir)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Data directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "cofound.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Cofound v%s\n", appVersion)
	fmt.Printf("  data dir: %s\n", dir)
	fmt.Printf("  config:   %s\n", cfgPath)
	fmt.Printf("  bridge:   http://%s\n", cfg.Bridge.HTTPAddr)
	fmt.Println("────────────────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println("Cofound — peer-to-peer calls for founder matching")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cofound [-dir <data-directory>]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

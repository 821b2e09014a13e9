package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/crossvault/middleware/pkg/app"
	"github.com/crossvault/middleware/pkg/app/settlementd"
	"github.com/crossvault/middleware/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = settlementd.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/procgraph/internal/logging"
	"github.com/danmuck/procgraph/internal/router"
)

func main() {
	configPath := flag.String("config", "", "router config file (TOML)")
	listen := flag.String("listen", "", "override listen address")
	admin := flag.String("admin", "", "override admin HTTP address")
	flag.Parse()

	cfg := router.DefaultServiceConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if path := strings.TrimSpace(*configPath); path != "" {
		var err error
		cfg, logCfg, err = loadServiceConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
			os.Exit(1)
		}
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*admin); v != "" {
		cfg.AdminListenAddr = v
	}
	logging.ConfigureWith(logCfg)

	svc := router.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		os.Exit(1)
	}
}

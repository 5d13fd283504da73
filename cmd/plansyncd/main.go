package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"plansync/internal/app"
	"plansync/internal/config"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.plansync/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", path, err)
		os.Exit(1)
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "error: user_id missing from config")
		os.Exit(1)
	}
	if cfg.Remote.BaseURL == "" || cfg.Feed.URL == "" {
		fmt.Fprintln(os.Stderr, "error: remote.base_url and feed.url are required")
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{Config: cfg}),
	)

	fxApp.Run()
}

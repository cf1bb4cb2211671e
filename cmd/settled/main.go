package main

import (
	"flag"
	"log"

	"skysettle/internal/config"
	"skysettle/internal/infra/db"
	httpinfra "skysettle/internal/infra/http"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file overlaid on the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := db.NewStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	if store.Available() {
		if err := store.Migrate(); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
	}

	srv := httpinfra.NewServer(cfg, store)
	defer srv.Close()

	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

package main

import (
	"flag"
	"log"

	"corral/config"
	"corral/server"
)

func main() {
	cfgPath := flag.String("config", "", "path to corral.yaml (defaults + CORRAL_* env when empty)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	app := &server.App{}
	app.Initialize(cfg)
	if err := app.Run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

package main

import (
	"flag"
	"log"

	"github.com/unitbridge/unitbridge/internal/app"
)

func main() {
	configPath := flag.String("config", "/etc/unitbridge/config.yaml", "path to the config file")
	flag.Parse()

	a, err := app.New(*configPath)
	if err != nil {
		log.Fatalf("❌ unitbridge failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ unitbridge failed: %v", err)
	}
}

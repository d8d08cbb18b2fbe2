package main

import (
	"context"
	"flag"
	"log"

	"insight/internal/server/bootstrap"
)

func main() {
	configFile := flag.String("config", "", "config file")
	flag.Parse()

	if err := bootstrap.RunServer(context.Background(), bootstrap.ServerOptions{ConfigFile: *configFile}); err != nil {
		log.Fatalf("insight-server: %v", err)
	}
}

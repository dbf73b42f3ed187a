package main

import (
	"log"

	"github.com/loomworks/loom/core/controlplane/gateway"
	"github.com/loomworks/loom/core/infra/buildinfo"
	"github.com/loomworks/loom/core/infra/config"
)

func main() {
	log.Println("loom gateway starting...")
	buildinfo.Log("loom-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}

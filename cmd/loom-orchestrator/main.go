package main

import (
	"log"

	"github.com/loomworks/loom/core/controlplane/orchestrator"
	"github.com/loomworks/loom/core/infra/buildinfo"
	"github.com/loomworks/loom/core/infra/config"
)

func main() {
	log.Println("loom orchestrator starting...")
	buildinfo.Log("loom-orchestrator")
	cfg := config.Load()
	if err := orchestrator.Run(cfg); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
}

package main

import (
	"github.com/BioHazard786/huddle/cmd"
	"github.com/BioHazard786/huddle/internal/config"
	"github.com/BioHazard786/huddle/internal/logging"
)

func main() {
	// Initialize logging; reconfigured once the config is loaded
	logging.Init(config.DefaultLogLevel)
	cmd.Execute()
}

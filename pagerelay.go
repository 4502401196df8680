package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	cli "github.com/pagerelay/pagerelay/cmd/pagerelay"
	"github.com/pagerelay/pagerelay/internal/config"
)

//go:embed etc/pagerelay.yaml
var embeddedConfig []byte

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	c, err := config.LoadFromBytes(embeddedConfig)
	if err != nil {
		fmt.Printf("Failed to load embedded config: %v\n", err)
		os.Exit(1)
	}

	// A config file in the data directory overrides the embedded defaults.
	userConfig := filepath.Join(config.DataDir(), "pagerelay.yaml")
	if _, statErr := os.Stat(userConfig); statErr == nil {
		if fileCfg, err := config.Load(userConfig); err == nil {
			c = fileCfg
		} else {
			fmt.Printf("Warning: ignoring malformed config %s: %v\n", userConfig, err)
		}
	}

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(config.DataDir(), "pagerelay.db")
	}

	if err := cli.SetupRootCmd(&c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

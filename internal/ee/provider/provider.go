// Package provider selects the configured execution-environment driver.
package provider

import (
	"fmt"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/ee/docker"
	"github.com/agenthost/agenthost/internal/ee/local"
	"github.com/agenthost/agenthost/internal/ee/sprites"
)

// Provide builds the driver named in the config. The returned cleanup
// releases driver-level resources; per-environment teardown stays with the
// session supervisors.
func Provide(cfg config.EEConfig, log *logger.Logger) (ee.Driver, func() error, error) {
	switch cfg.Driver {
	case "local", "":
		return local.New(cfg, log), func() error { return nil }, nil

	case "docker":
		driver, err := docker.New(cfg.Docker, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize docker driver: %w", err)
		}
		return driver, driver.Close, nil

	case "sprites":
		if cfg.Sprites.Token == "" {
			return nil, nil, fmt.Errorf("sprites driver requires a token")
		}
		return sprites.New(cfg.Sprites, log), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown ee driver %q", cfg.Driver)
	}
}

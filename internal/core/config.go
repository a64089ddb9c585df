package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/moresane/internal/backend/queue"
)

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// ServiceConfig is the YAML configuration of the batch service.
type ServiceConfig struct {
	Port     int          `yaml:"port"`
	Database Database     `yaml:"database"`
	Redis    queue.Config `yaml:"redis"`
	// Workers is the number of concurrent deconvolution runs.
	Workers int `yaml:"workers"`
	// Defaults seed the engine parameters of submitted jobs; any field
	// a submission sets explicitly wins.
	Defaults JobParams `yaml:"defaults"`
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Parse YAML
	var config ServiceConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validateConfig(config *ServiceConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is out of range", config.Port)
	}
	if config.Database.Type == "" {
		return fmt.Errorf("database type is empty")
	}
	if config.Redis.Address == "" {
		return fmt.Errorf("redis address is empty")
	}
	if config.Workers < 0 {
		return fmt.Errorf("worker count cannot be negative")
	}
	return nil
}

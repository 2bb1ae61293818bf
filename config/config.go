package config

import "fmt"

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration has been reloaded.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}

// LoadAll loads every config under its own name, stopping at the first failure.
func LoadAll(cm ConfigManager, cfgs ...Config) error {
	for _, c := range cfgs {
		if err := cm.LoadConfig(c.GetName(), c); err != nil {
			return fmt.Errorf("load %s config: %w", c.GetName(), err)
		}
	}
	return nil
}

package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging applies the log section to the standard logrus logger
func (c *Config) ConfigureLogging() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Package logging applies the log section of a pipeline file to the
// standard logrus logger.
package logging

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"docfeed/internal/config"
)

// Configure sets the level and formatter of the standard logger. Empty
// fields keep info and text.
func Configure(cfg config.Log) error {
	return apply(log.StandardLogger(), cfg)
}

func apply(l *log.Logger, cfg config.Log) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		lv, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		level = lv
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	l.SetLevel(level)
	return nil
}

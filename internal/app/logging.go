package app

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging настраивает глобальный logrus: текстовый формат и уровень из SHOP_LOG_LEVEL.
func ConfigureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if strings.TrimSpace(level) == "" {
		log.SetLevel(log.InfoLevel)
		return nil
	}
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.SetLevel(log.InfoLevel)
		return fmt.Errorf("SHOP_LOG_LEVEL: %w", err)
	}
	log.SetLevel(parsed)
	return nil
}

// internal/logging/logging.go
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the service logger. "debug" mode gets the human-readable
// development config; anything else gets production JSON output.
func New(mode string) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if mode == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

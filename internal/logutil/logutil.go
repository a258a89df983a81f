package logutil

import (
	"go.uber.org/zap"
)

// Setup builds the process logger and installs it as the zap global so
// packages without an injected logger can fall back to zap.L().
// The returned function flushes buffered entries and should be deferred
// from main.
func Setup(debug bool) (*zap.Logger, func(), error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}

	restore := zap.ReplaceGlobals(logger)
	cleanup := func() {
		restore()
		_ = logger.Sync()
	}
	return logger, cleanup, nil
}

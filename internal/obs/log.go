package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

// InitLogger builds the shared logger. env "production" selects JSON
// output at info level; anything else gets the development console
// encoder. Safe to call more than once; only the first call wins.
func InitLogger(env string) *zap.Logger {
	loggerOnce.Do(func() {
		var err error
		if env == "production" {
			cfg := zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			logger, err = cfg.Build()
		} else {
			logger, err = zap.NewDevelopment()
		}
		if err != nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// Logger returns the shared logger, initializing a development one if
// InitLogger was never called.
func Logger() *zap.Logger {
	return InitLogger("")
}

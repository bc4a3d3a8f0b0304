package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/logging"
)

// InitLogger wires the process-wide logger: runtime profile first, env
// overrides included, then an app-tagged console writer.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

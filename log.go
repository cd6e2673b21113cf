package opengse

import (
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// loggerOrDefault returns l, or the package logger writing to stderr when l is nil.
func loggerOrDefault(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	return &defaultLogger
}

package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Unknown levels fall back to info.
func Init(level string) {
	InitWithWriter(level, zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	})
}

// InitWithWriter is Init with an explicit sink.
func InitWithWriter(level string, w io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	log.Logger = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// GinMiddleware logs every request through zerolog.
func GinMiddleware() gin.HandlerFunc {
	l := WithComponent("API")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := l.Debug()
		if status >= 500 {
			event = l.Error()
		} else if status >= 400 {
			event = l.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	pionlog "github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps the LOG_LEVEL vocabulary onto zerolog levels. Unknown
// values fall back to errors only.
func ParseLevel(l string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel // production only shows errors
	}
}

// Init sets up the global logger. LOG_LEVEL in the environment wins over
// level.
func Init(level string) {
	InitWriter(os.Stderr, level)
}

// InitWriter is Init with an explicit destination, used when the terminal
// belongs to the room view.
func InitWriter(w io.Writer, level string) {
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = l
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}

// PionFactory routes pion's internal logging through zerolog.
func PionFactory() pionlog.LoggerFactory {
	return pionFactory{}
}

type pionFactory struct{}

func (pionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) event(level zerolog.Level) *zerolog.Event {
	return log.WithLevel(level).Str("module", "pion").Str("scope", l.scope)
}

// pion is chatty at info; it is demoted to debug here.
func (l pionLogger) Trace(msg string) { l.event(zerolog.TraceLevel).Msg(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.event(zerolog.TraceLevel).Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.event(zerolog.TraceLevel).Msg(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.event(zerolog.TraceLevel).Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Info(msg string) { l.event(zerolog.DebugLevel).Msg(msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.event(zerolog.DebugLevel).Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { l.event(zerolog.WarnLevel).Msg(msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.event(zerolog.WarnLevel).Msg(fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { l.event(zerolog.ErrorLevel).Msg(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.event(zerolog.ErrorLevel).Msg(fmt.Sprintf(format, args...))
}

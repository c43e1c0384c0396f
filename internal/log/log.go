package log

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// counters accumulate the number of emitted events per severity. They back
// the pgexporter_logging_* metrics exposed on every scrape.
var counters struct {
	info  uint64
	warn  uint64
	err   uint64
	fatal uint64
}

type countingHook struct{}

func (countingHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	switch level {
	case zerolog.InfoLevel:
		atomic.AddUint64(&counters.info, 1)
	case zerolog.WarnLevel:
		atomic.AddUint64(&counters.warn, 1)
	case zerolog.ErrorLevel:
		atomic.AddUint64(&counters.err, 1)
	case zerolog.FatalLevel:
		atomic.AddUint64(&counters.fatal, 1)
	}
}

// Logger is the global logger with predefined settings
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger().Hook(countingHook{})

// Counters returns the number of info, warn, error and fatal events emitted
// since the program started.
func Counters() (info, warn, err, fatal uint64) {
	return atomic.LoadUint64(&counters.info),
		atomic.LoadUint64(&counters.warn),
		atomic.LoadUint64(&counters.err),
		atomic.LoadUint64(&counters.fatal)
}

// SetLevel sets logging level
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetApplication extends logger with application name
func SetApplication(app string) {
	Logger = Logger.With().Str("service", app).Logger()
}

// Debug prints message with DEBUG severity
func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

// Debugf prints formatted message with DEBUG severity
func Debugf(format string, v ...interface{}) {
	Logger.Debug().Msgf(format, v...)
}

// Debugln concatenates arguments and prints them with DEBUG severity
func Debugln(v ...interface{}) {
	Logger.Debug().Msg(fmt.Sprint(v...))
}

// Info prints message with INFO severity
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Infof prints formatted message with INFO severity
func Infof(format string, v ...interface{}) {
	Logger.Info().Msgf(format, v...)
}

// Infoln concatenates arguments and prints them with INFO severity
func Infoln(v ...interface{}) {
	Logger.Info().Msg(fmt.Sprint(v...))
}

// Warn prints message with WARN severity
func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Warnf prints formatted message with WARN severity
func Warnf(format string, v ...interface{}) {
	Logger.Warn().Msgf(format, v...)
}

// Warnln concatenates arguments and prints them with WARN severity
func Warnln(v ...interface{}) {
	Logger.Warn().Msg(fmt.Sprint(v...))
}

// Error prints message with ERROR severity
func Error(msg string) {
	Logger.Error().Msg(msg)
}

// Errorf prints formatted message with ERROR severity
func Errorf(format string, v ...interface{}) {
	Logger.Error().Msgf(format, v...)
}

// Errorln concatenates arguments and prints them with ERROR severity
func Errorln(v ...interface{}) {
	Logger.Error().Msg(fmt.Sprint(v...))
}

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	log     = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	logFile *os.File
)

// Init opens (truncating) the log file and points the package logger at both
// the file, as JSON lines, and stderr, as console output.
func Init(logFilePath string, level string) error {
	mu.Lock()
	defer mu.Unlock()

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.999 |"})

	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		writers = append(writers, f)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(level)).
		With().Timestamp().Logger()
	return nil
}

// SetOutput redirects all log output to w. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Cleanup closes the log file when the application is done using it
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info logs msg with alternating key/value pairs.
func Info(msg string, kv ...interface{}) {
	withFields(current().Info(), kv).Msg(msg)
}

// Debug logs msg with alternating key/value pairs.
func Debug(msg string, kv ...interface{}) {
	withFields(current().Debug(), kv).Msg(msg)
}

// Warn logs msg with alternating key/value pairs.
func Warn(msg string, kv ...interface{}) {
	withFields(current().Warn(), kv).Msg(msg)
}

// Error logs msg with alternating key/value pairs. An error value under the
// "error" key is attached with zerolog's Err.
func Error(msg string, kv ...interface{}) {
	withFields(current().Error(), kv).Msg(msg)
}

func current() *zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	l := log
	return &l
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			e = e.Str(key, "")
			break
		}
		switch v := kv[i+1].(type) {
		case error:
			if key == "error" {
				e = e.Err(v)
			} else {
				e = e.AnErr(key, v)
			}
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

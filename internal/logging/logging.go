// Package logging wires zerolog to the manager's two sinks: the terminal and
// the append-only log file. Both sinks use the same record layout:
//
//	[YYYY-MM-DD HH:MM:SS] LEVEL: [Port <p>] <message>
//
// The port prefix is driven by the "port" field, so callers attach context
// once with ForPort and log plain messages.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeLayout = "2006-01-02 15:04:05"

// levelNames maps zerolog level strings to the log-file vocabulary.
var levelNames = map[string]string{
	"debug": "DEBUG",
	"info":  "INFO",
	"warn":  "WARNING",
	"error": "ERROR",
	"fatal": "ERROR",
}

// Setup builds the root logger. logFile may be empty to log to the terminal
// only (as the tests do).
func Setup(level, logFile string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = timeLayout

	writers := []io.Writer{newRecordWriter(os.Stderr)}
	if logFile != "" {
		writers = append(writers, newRecordWriter(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		}))
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Logger()
}

// ForPort returns a child logger whose records carry the "[Port <p>]" prefix.
func ForPort(log zerolog.Logger, port int) zerolog.Logger {
	return log.With().Int("port", port).Logger()
}

// newRecordWriter adapts a raw sink to the fixed record layout.
func newRecordWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: timeLayout,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"port"},
		FormatTimestamp: func(i interface{}) string {
			if s, ok := i.(string); ok {
				if t, err := time.Parse(timeLayout, s); err == nil {
					return "[" + t.Format(timeLayout) + "]"
				}
				if t, err := time.Parse(time.RFC3339, s); err == nil {
					return "[" + t.Format(timeLayout) + "]"
				}
			}
			return fmt.Sprintf("[%v]", i)
		},
		FormatLevel: func(i interface{}) string {
			s, _ := i.(string)
			if name, ok := levelNames[s]; ok {
				return name + ":"
			}
			return strings.ToUpper(s) + ":"
		},
		FormatPrepare: func(evt map[string]interface{}) error {
			port, ok := evt["port"]
			if !ok {
				return nil
			}
			msg, _ := evt[zerolog.MessageFieldName].(string)
			evt[zerolog.MessageFieldName] = fmt.Sprintf("[Port %v] %s", formatPort(port), msg)
			return nil
		},
	}
}

// formatPort strips the float rendering JSON round-trips give integers.
func formatPort(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%d", int(f))
	}
	return fmt.Sprintf("%v", v)
}

// Package console is the terminal backend of pkg/logger, built on
// charmbracelet/log.
package console

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// ConsoleLogger writes leveled key/value records to a terminal or a pipe.
type ConsoleLogger struct {
	logger *log.Logger
}

type ConsoleLoggerParams struct {
	// Debug lowers the threshold to DEBUG. Level takes precedence when set.
	Debug bool
	// Level is a level name such as "warn"; unknown names are ignored.
	Level string
	// JSON writes one object per line for log shippers.
	JSON bool
	// Prefix tags every record with the emitting binary.
	Prefix string
	// Fields are attached to every record.
	Fields []any
	Output io.Writer
}

func NewConsoleLogger(params ConsoleLoggerParams) *ConsoleLogger {
	threshold := log.InfoLevel
	if params.Debug {
		threshold = log.DebugLevel
	}
	if params.Level != "" {
		if parsed, err := log.ParseLevel(params.Level); err == nil {
			threshold = parsed
		}
	}

	out := params.Output
	if out == nil {
		out = os.Stderr
	}
	formatter := log.TextFormatter
	if params.JSON {
		formatter = log.JSONFormatter
	}

	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           threshold,
		Formatter:       formatter,
		Prefix:          params.Prefix,
	})
	if len(params.Fields) > 0 {
		l = l.With(params.Fields...)
	}
	return &ConsoleLogger{logger: l}
}

func (c *ConsoleLogger) write(level log.Level, message string, keyvals []any) {
	c.logger.Log(level, message, keyvals...)
}

// Log writes without a level, regardless of the threshold.
func (c *ConsoleLogger) Log(message string, keyvals ...any) {
	c.logger.Print(message, keyvals...)
}

func (c *ConsoleLogger) Debug(message string, keyvals ...any) {
	c.write(log.DebugLevel, message, keyvals)
}

func (c *ConsoleLogger) Info(message string, keyvals ...any) {
	c.write(log.InfoLevel, message, keyvals)
}

func (c *ConsoleLogger) Warn(message string, keyvals ...any) {
	c.write(log.WarnLevel, message, keyvals)
}

func (c *ConsoleLogger) Error(message string, keyvals ...any) {
	c.write(log.ErrorLevel, message, keyvals)
}

// Fatal writes at FATAL and exits with status 1.
func (c *ConsoleLogger) Fatal(message string, keyvals ...any) {
	c.write(log.FatalLevel, message, keyvals)
	os.Exit(1)
}

package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Configure sets the level of `logger` and picks its formatter. JSON output
// carries a GCP severity field, text output is for humans at a console
func Configure(logger *log.Logger, level string, json bool) error {
	if logger == nil {
		return nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("couldn't parse `log: %v`: %w", level, err)
	}
	logger.SetLevel(lvl)

	if json {
		ConfigureLogrusJSON(logger)
	} else {
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}

	return nil
}

// ConfigureLogrusJSON sets the logger to emit JSON logs with a GCP severity field.
func ConfigureLogrusJSON(logger *log.Logger) {
	if logger == nil {
		return
	}

	logger.SetFormatter(&log.JSONFormatter{})
	logger.AddHook(SeverityHook{})
}

// SeverityHook adds a GCP-compatible severity field to log entries.
type SeverityHook struct{}

func (SeverityHook) Levels() []log.Level {
	return log.AllLevels
}

func (SeverityHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	if _, ok := entry.Data["severity"]; ok {
		return nil
	}

	entry.Data["severity"] = severityForLevel(entry.Level)
	return nil
}

func severityForLevel(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "EMERGENCY"
	case log.FatalLevel:
		return "CRITICAL"
	case log.ErrorLevel:
		return "ERROR"
	case log.WarnLevel:
		return "WARNING"
	case log.InfoLevel:
		return "INFO"
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}

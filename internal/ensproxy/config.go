package ensproxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type LogFormat string

const (
	LogFormatDefault LogFormat = ""
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

type LogLevel string

const (
	LogLevelDefault LogLevel = ""
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
)

type LogConfig struct {
	Format LogFormat `json:"format,omitempty"`
	Level  LogLevel  `json:"level,omitempty"`
}

// NewLogger builds the process logger described by conf, writing to w.
func NewLogger(w io.Writer, conf LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch conf.Level {
	case LogLevelInfo, LogLevelDefault:
		level = slog.LevelInfo
	case LogLevelDebug:
		level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("invalid log level: %s", conf.Level)
	}

	removeTime := func(groups []string, a slog.Attr) slog.Attr {
		// Remove time from the output.
		if a.Key == slog.TimeKey && len(groups) == 0 {
			return slog.Attr{}
		}
		return a
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: removeTime,
	}
	var output slog.Handler
	switch conf.Format {
	case LogFormatJSON, LogFormatDefault:
		output = slog.NewJSONHandler(w, opts)
	case LogFormatConsole:
		output = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", conf.Format)
	}
	return slog.New(output), nil
}

// Duration is a time.Duration which marshals to and from strings like "5m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(byt []byte) error {
	var s string
	if err := json.Unmarshal(byt, &s); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New builds a logger from options. An empty level means info; an empty
// format means text with full timestamps.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}

	switch strings.ToLower(opts.Level) {
	case "":
		logger.SetLevel(logrus.InfoLevel)
	default:
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("unsupported log level: %s", opts.Level)
		}
		logger.SetLevel(level)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Library components fall
// back to it when the caller passes no logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

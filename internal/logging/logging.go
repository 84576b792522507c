// Package logging builds the service logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup returns a logger at level writing JSON or text to stdout. Every line
// carries the service name. The standard library logger is bridged to it.
func Setup(service, level, format string) (*logrus.Logger, error) {
	return setup(os.Stdout, service, level, format)
}

func setup(out io.Writer, service, level, format string) (*logrus.Logger, error) {
	lvl := logrus.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "severity",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	if service = strings.TrimSpace(service); service != "" {
		l.AddHook(serviceHook(service))
	}

	log.SetOutput(l.WriterLevel(logrus.InfoLevel))
	log.SetFlags(0)
	log.SetPrefix("")
	return l, nil
}

type serviceHook string

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = string(h)
	}
	return nil
}

// Quiet returns a logger that discards everything.
func Quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Init sets the level (debug / info / warn / error, case-insensitive, default info)
// and the output format (text / json).
func Init(level, format string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) { log.SetOutput(w) }

// Logger exposes the underlying logger for libraries that want one.
func Logger() *logrus.Logger { return log }

func Debugf(format string, args ...any) { log.Debugf(format, args...) }

func Infof(format string, args ...any) { log.Infof(format, args...) }

func Warnf(format string, args ...any) { log.Warnf(format, args...) }

// Errorf is always emitted regardless of level below error.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// WithToken returns an entry tagged with the token being processed.
func WithToken(token string) *logrus.Entry {
	return log.WithField("token", token)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

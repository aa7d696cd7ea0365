package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...interface{})

	// Log formatted messages with level ERROR
	Errorf(string, ...interface{})

	// Log with level WARN
	Warn(...interface{})

	// Log formatted messages with level WARN
	Warnf(string, ...interface{})

	// Log with level INFO
	Info(...interface{})

	// Log formatted messages with level INFO
	Infof(string, ...interface{})

	// Log with level DEBUG
	Debug(...interface{})

	// Log formatted messages with level DEBUG
	Debugf(string, ...interface{})

	// WithFields returns a logger that adds the fields to every entry.
	// The receiver is not modified.
	WithFields(map[string]interface{}) Logger
}

// DefaultLog provides a default implementation of the Logger interface,
// backed by a logrus entry.
type DefaultLog struct {
	*logrus.Entry
}

// New creates a logger writing to the logrus standard logger.
func New() *DefaultLog {
	return &DefaultLog{Entry: logrus.NewEntry(logrus.StandardLogger())}
}

// NewWithLogger creates a logger writing to l.
func NewWithLogger(l *logrus.Logger) *DefaultLog {
	return &DefaultLog{Entry: logrus.NewEntry(l)}
}

func (dl *DefaultLog) WithFields(fields map[string]interface{}) Logger {
	return &DefaultLog{Entry: dl.Entry.WithFields(logrus.Fields(fields))}
}

// OrDefault returns l, or a DefaultLog when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return New()
	}

	return l
}

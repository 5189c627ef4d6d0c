package events

import (
	"github.com/ThreeDotsLabs/watermill"
	log "github.com/sirupsen/logrus"
)

// logrusAdapter routes watermill's internal logging through logrus
type logrusAdapter struct {
	entry *log.Entry
}

func NewLogrusAdapter(logger *log.Logger) watermill.LoggerAdapter {
	return &logrusAdapter{entry: log.NewEntry(logger)}
}

func (l *logrusAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).WithError(err).Error(msg)
}

func (l *logrusAdapter) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Info(msg)
}

func (l *logrusAdapter) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Debug(msg)
}

func (l *logrusAdapter) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Trace(msg)
}

func (l *logrusAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logrusAdapter{entry: l.entry.WithFields(log.Fields(fields))}
}

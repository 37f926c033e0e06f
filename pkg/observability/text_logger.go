package observability

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// TextLogger renders events as human-readable lines through logrus.
type TextLogger struct {
	log *logrus.Logger
}

// NewTextLogger builds a TextLogger writing to w.
func NewTextLogger(w io.Writer) *TextLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return &TextLogger{log: l}
}

// Log implements Logger.
func (l *TextLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.log == nil {
		return fmt.Errorf("text logger is not configured")
	}

	fields := logrus.Fields{"event": event.Event}
	if event.Node != "" {
		fields["node"] = event.Node
	}
	if event.Component != "" {
		fields["component"] = event.Component
	}
	for k, v := range event.Fields {
		fields[k] = v
	}

	entry := l.log.WithFields(fields)
	if !event.Timestamp.IsZero() {
		entry = entry.WithTime(event.Timestamp)
	}

	msg := event.Message
	if msg == "" {
		msg = event.Event
	}

	switch event.Level {
	case LevelError:
		entry.Error(msg)
	case LevelWarn:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

var _ Logger = (*TextLogger)(nil)

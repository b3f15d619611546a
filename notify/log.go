package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/amartya2002/pagewatch/watch"
)

// Log writes alerts to a zap logger. It is the fallback channel when no
// other delivery is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, msg watch.Message) error {
	fields := []zap.Field{zap.String("subject", msg.Subject), zap.String("body", msg.Body)}
	if msg.Attachment != "" {
		fields = append(fields, zap.String("report", msg.Attachment))
	}
	l.logger.Info("Change notification", fields...)
	return nil
}

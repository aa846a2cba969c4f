package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes each message to a zap logger instead of delivering it.
// The body carries reset links, so it is only logged with IncludeBody set;
// never enable that outside development.
type LogNotifier struct {
	logger      *zap.Logger
	includeBody bool
}

func NewLogNotifier(logger *zap.Logger, includeBody bool) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify"), includeBody: includeBody}
}

func (n *LogNotifier) Send(_ context.Context, destination, subject, body string) error {
	fields := []zap.Field{
		zap.String("destination", destination),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	}
	if n.includeBody {
		fields = append(fields, zap.String("body", body))
	}
	n.logger.Info("notification", fields...)
	return nil
}

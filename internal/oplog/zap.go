// Package oplog reports unlock-economy operations through zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"go.uber.org/zap"
)

const (
	messageOperation       = "unlock operation"
	messageOperationFailed = "unlock operation failed"
)

// ZapLogger implements unlock.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; a nil logger discards entries.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes entry at info level, or at error level when it carries an error.
func (zapLogger *ZapLogger) LogOperation(ctx context.Context, entry unlock.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
	}
	if value := entry.StoryID.String(); value != "" {
		fields = append(fields, zap.String("story_id", value))
	}
	if value := entry.CategoryID.String(); value != "" {
		fields = append(fields, zap.String("category_id", value))
	}
	if value := entry.CharacterID.String(); value != "" {
		fields = append(fields, zap.String("character_id", value))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if value := entry.IdempotencyKey.String(); value != "" {
		fields = append(fields, zap.String("idempotency_key", value))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.Error != nil {
		zapLogger.logger.Error(messageOperationFailed, append(fields, zap.Error(entry.Error))...)
		return
	}
	zapLogger.logger.Info(messageOperation, fields...)
}

var _ unlock.OperationLogger = (*ZapLogger)(nil)

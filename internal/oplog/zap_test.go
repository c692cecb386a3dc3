package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationWritesPaidUnlockFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.LogOperation(context.Background(), unlock.OperationLog{
		Operation:      "unlock",
		UserID:         mustUserID(test, "user-1"),
		StoryID:        mustStoryID(test, "story-1"),
		CategoryID:     mustCategoryID(test, "bedtime"),
		CharacterID:    mustCharacterID(test, "dragon"),
		Amount:         10,
		IdempotencyKey: mustKey(test, "unlock:abc"),
		Outcome:        unlock.OutcomePaidUnlock,
		Status:         "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != messageOperation {
		test.Fatalf("unexpected entry %v %q", entry.Level, entry.Message)
	}
	fields := entry.ContextMap()
	expected := map[string]any{
		"operation":       "unlock",
		"status":          "ok",
		"user_id":         "user-1",
		"story_id":        "story-1",
		"category_id":     "bedtime",
		"character_id":    "dragon",
		"amount":          int64(10),
		"idempotency_key": "unlock:abc",
		"outcome":         "paid_unlock",
	}
	for key, want := range expected {
		if fields[key] != want {
			test.Fatalf("field %s: expected %v, got %v", key, want, fields[key])
		}
	}
}

func TestLogOperationOmitsEmptyFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.LogOperation(context.Background(), unlock.OperationLog{
		Operation: "favorite",
		UserID:    mustUserID(test, "user-1"),
		Status:    "ok",
	})

	fields := recorded.All()[0].ContextMap()
	for _, key := range []string{"story_id", "category_id", "character_id", "amount", "idempotency_key", "outcome", "error"} {
		if _, ok := fields[key]; ok {
			test.Fatalf("expected %s to be omitted, got %v", key, fields[key])
		}
	}
}

func TestLogOperationReportsErrorsAtErrorLevel(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.LogOperation(context.Background(), unlock.OperationLog{
		Operation: "compensate",
		UserID:    mustUserID(test, "user-1"),
		Status:    "error",
		Error:     errors.New("refund failed"),
	})

	failures := recorded.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(failures) != 1 || failures[0].Message != messageOperationFailed {
		test.Fatalf("expected one error entry, got %v", recorded.All())
	}
	if failures[0].ContextMap()["error"] != "refund failed" {
		test.Fatalf("unexpected error field %v", failures[0].ContextMap()["error"])
	}
}

func TestNewZapLoggerAcceptsNil(test *testing.T) {
	test.Parallel()
	NewZapLogger(nil).LogOperation(context.Background(), unlock.OperationLog{Operation: "read"})
}

func mustUserID(test *testing.T, raw string) unlock.UserID {
	test.Helper()
	value, err := unlock.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustStoryID(test *testing.T, raw string) unlock.StoryID {
	test.Helper()
	value, err := unlock.NewStoryID(raw)
	if err != nil {
		test.Fatalf("story id: %v", err)
	}
	return value
}

func mustCategoryID(test *testing.T, raw string) unlock.CategoryID {
	test.Helper()
	value, err := unlock.NewCategoryID(raw)
	if err != nil {
		test.Fatalf("category id: %v", err)
	}
	return value
}

func mustCharacterID(test *testing.T, raw string) unlock.CharacterID {
	test.Helper()
	value, err := unlock.NewCharacterID(raw)
	if err != nil {
		test.Fatalf("character id: %v", err)
	}
	return value
}

func mustKey(test *testing.T, raw string) unlock.IdempotencyKey {
	test.Helper()
	value, err := unlock.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

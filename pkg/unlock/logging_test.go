package unlock

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations() []string {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	operations := make([]string, 0, len(logger.entries))
	for _, entry := range logger.entries {
		operations = append(operations, entry.Operation)
	}
	return operations
}

func TestServiceLogsPaidUnlock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	storyID := store.addStory(test, "story-1", categoryValue, characterValue)
	userID := mustUserID(test, "logged")
	store.setBalance(userID, 10)
	store.setPrice(4)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger), WithKeyGenerator(func() string { return "fixed" }))

	if _, err := service.Unlock(context.Background(), mustRequest(test, userID, categoryValue, characterValue)); err != nil {
		test.Fatalf("unlock: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationUnlock || entry.UserID != userID || entry.StoryID != storyID || entry.Amount != 4 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.IdempotencyKey.String() != "unlock:fixed" || entry.Outcome != OutcomePaidUnlock {
		test.Fatalf("unexpected key or outcome: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsRereadAndCompensation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	storyID := store.addStory(test, "story-1", categoryValue, characterValue)
	userID := mustUserID(test, "logged")
	store.setBalance(userID, 10)
	store.setPrice(4)
	store.grantError = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Unlock(context.Background(), mustRequest(test, userID, categoryValue, characterValue)); err == nil {
		test.Fatalf("expected error")
	}
	operations := logger.operations()
	if len(operations) != 2 || operations[0] != operationCompensate || operations[1] != operationUnlock {
		test.Fatalf("unexpected operations %v", operations)
	}
	if logger.entries[0].Amount != 4 || logger.entries[1].Status != operationStatusError {
		test.Fatalf("unexpected entries %+v", logger.entries)
	}

	store.grantError = nil
	store.forceOwnership(userID, storyID, 1)
	if _, err := service.Unlock(context.Background(), mustRequest(test, userID, categoryValue, characterValue)); err != nil {
		test.Fatalf("re-read: %v", err)
	}
	last := logger.entries[len(logger.entries)-1]
	if last.Operation != operationReread || last.Outcome != OutcomeFreeReread || last.Amount != 0 {
		test.Fatalf("unexpected re-read entry %+v", last)
	}
}

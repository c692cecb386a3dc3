package unlock

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes an unlock-economy operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	StoryID        StoryID
	CategoryID     CategoryID
	CharacterID    CharacterID
	Amount         Coins
	IdempotencyKey IdempotencyKey
	Outcome        Outcome
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker replaces the in-process per-user locker.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		if locker != nil {
			service.locker = locker
		}
	}
}

// WithRandomSource injects the selection source; it must return a value in [0, n).
func WithRandomSource(source RandomSource) ServiceOption {
	return func(service *Service) {
		if source != nil {
			service.random = source
		}
	}
}

// WithKeyGenerator injects the generator of unlock idempotency keys.
func WithKeyGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newKey = generate
		}
	}
}

package unlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"
)

// RandomSource returns a uniformly distributed index in [0, n).
type RandomSource func(n int) int

// Service orchestrates catalog, ledger, wallet and pricing into story unlocks.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	locker Locker
	random RandomSource
	newKey func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:  store,
		nowFn:  now,
		locker: NewKeyedLocker(),
		random: rand.IntN,
		newKey: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Unlock picks a story matching the request. When the user does not own every
// candidate yet, a fresh one is charged at the current unlock price and granted;
// otherwise an owned candidate is served without charge.
//
// Returned errors wrap ErrNoCandidates, ErrInsufficientFunds or ErrInternal.
func (service *Service) Unlock(ctx context.Context, request UnlockRequest) (UnlockResult, error) {
	release, lockErr := service.locker.Lock(ctx, request.UserID)
	if lockErr != nil {
		operationError := internalError(WrapError("service", "lock", "acquire", lockErr))
		service.logUnlock(ctx, request, UnlockResult{}, operationError)
		return UnlockResult{}, operationError
	}
	defer release()

	var (
		result         UnlockResult
		operationError error
	)
	for attempt := 0; attempt < maxUnlockAttempts; attempt++ {
		result, operationError = service.unlockOnce(ctx, request)
		if !errors.Is(operationError, ErrAlreadyOwned) {
			break
		}
	}
	if errors.Is(operationError, ErrAlreadyOwned) {
		operationError = internalError(fmt.Errorf("%w: %w", ErrUnlockContention, operationError))
	}
	service.logUnlock(ctx, request, result, operationError)
	if operationError != nil {
		return UnlockResult{}, operationError
	}
	return result, nil
}

func (service *Service) unlockOnce(ctx context.Context, request UnlockRequest) (UnlockResult, error) {
	candidates, err := service.store.FindCandidates(ctx, request.CategoryID, request.CharacterID)
	if err != nil {
		return UnlockResult{}, internalError(err)
	}
	if len(candidates) == 0 {
		return UnlockResult{Outcome: OutcomeNothingAvailable}, ErrNoCandidates
	}
	owned, err := service.store.OwnedBy(ctx, request.UserID)
	if err != nil {
		return UnlockResult{}, internalError(err)
	}
	fresh := freshCandidates(candidates, owned)
	if len(fresh) == 0 {
		return service.reread(ctx, request, candidates)
	}
	return service.purchase(ctx, request, fresh)
}

func (service *Service) reread(ctx context.Context, request UnlockRequest, candidates []StoryID) (UnlockResult, error) {
	result := UnlockResult{Outcome: OutcomeFreeReread}
	selected, err := service.pick(candidates)
	if err != nil {
		return result, err
	}
	story, err := service.store.GetStory(ctx, selected)
	if err != nil {
		return result, internalError(err)
	}
	result.Story = story
	if err := service.store.TouchRead(ctx, request.UserID, selected, service.nowFn()); err != nil {
		return result, internalError(err)
	}
	balance, err := service.store.Balance(ctx, request.UserID)
	if err != nil {
		return result, internalError(err)
	}
	result.RemainingCoins = balance
	return result, nil
}

func (service *Service) purchase(ctx context.Context, request UnlockRequest, fresh []StoryID) (UnlockResult, error) {
	result := UnlockResult{Outcome: OutcomePaidUnlock}
	selected, err := service.pick(fresh)
	if err != nil {
		return result, err
	}
	story, err := service.store.GetStory(ctx, selected)
	if err != nil {
		return result, internalError(err)
	}
	result.Story = story
	price, err := service.store.UnlockPrice(ctx)
	if err != nil {
		return result, internalError(err)
	}
	unlockKey, err := NewIdempotencyKey(idempotencyPrefixUnlock + idempotencyKeyDelimiter + service.newKey())
	if err != nil {
		return result, internalError(err)
	}
	result.UnlockKey = unlockKey
	debitKey, err := deriveIdempotencyKey(unlockKey, idempotencySuffixDebit)
	if err != nil {
		return result, internalError(err)
	}

	nowUnixUTC := service.nowFn()
	debitAttempted := false
	var remaining Coins
	transactionError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		debitAttempted = true
		balance, err := transactionStore.Debit(ctx, Movement{
			UserID:         request.UserID,
			Kind:           MovementDebit,
			Amount:         price,
			IdempotencyKey: debitKey,
			Metadata:       request.Metadata,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		created, err := transactionStore.Grant(ctx, Grant{
			UserID:         request.UserID,
			StoryID:        selected,
			UnlockKey:      unlockKey,
			GrantedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if !created {
			return ErrAlreadyOwned
		}
		remaining = balance
		return nil
	})
	if transactionError != nil {
		if errors.Is(transactionError, ErrInsufficientFunds) {
			return result, transactionError
		}
		if debitAttempted {
			if compensationError := service.compensate(context.WithoutCancel(ctx), request.UserID, unlockKey); compensationError != nil {
				return result, internalError(errors.Join(transactionError, compensationError))
			}
		}
		if errors.Is(transactionError, ErrAlreadyOwned) {
			return result, transactionError
		}
		return result, internalError(transactionError)
	}
	result.Unlocked = true
	result.ChargedCoins = price
	result.RemainingCoins = remaining
	return result, nil
}

// compensate refunds the debit of unlockKey when it was persisted without a
// matching grant. It is safe to call any number of times.
func (service *Service) compensate(ctx context.Context, userID UserID, unlockKey IdempotencyKey) error {
	var refunded Coins
	refundKey, err := deriveIdempotencyKey(unlockKey, idempotencySuffixRefund)
	if err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		debitKey, err := deriveIdempotencyKey(unlockKey, idempotencySuffixDebit)
		if err != nil {
			return err
		}
		debit, found, err := transactionStore.FindMovement(ctx, debitKey)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		granted, err := transactionStore.HasGrantForUnlock(ctx, unlockKey)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		_, err = transactionStore.Credit(ctx, Movement{
			UserID:         userID,
			Kind:           MovementRefund,
			Amount:         debit.Amount,
			IdempotencyKey: refundKey,
			Metadata:       debit.Metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		if err != nil {
			return err
		}
		refunded = debit.Amount
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCompensate,
		UserID:         userID,
		Amount:         refunded,
		IdempotencyKey: refundKey,
		Error:          operationError,
	})
	return operationError
}

func (service *Service) pick(storyIDs []StoryID) (StoryID, error) {
	ordered := append([]StoryID(nil), storyIDs...)
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	index := service.random(len(ordered))
	if index < 0 || index >= len(ordered) {
		return StoryID{}, internalError(fmt.Errorf("random source returned index %d for %d candidates", index, len(ordered)))
	}
	return ordered[index], nil
}

func (service *Service) logUnlock(ctx context.Context, request UnlockRequest, result UnlockResult, operationError error) {
	operation := operationUnlock
	if result.Outcome == OutcomeFreeReread {
		operation = operationReread
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operation,
		UserID:         request.UserID,
		StoryID:        result.Story.StoryID,
		CategoryID:     request.CategoryID,
		CharacterID:    request.CharacterID,
		Amount:         result.ChargedCoins,
		IdempotencyKey: result.UnlockKey,
		Outcome:        result.Outcome,
		Error:          operationError,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// freshCandidates returns the candidates missing from owned, without duplicates.
func freshCandidates(candidates []StoryID, owned []StoryID) []StoryID {
	ownedSet := make(map[StoryID]struct{}, len(owned))
	for _, storyID := range owned {
		ownedSet[storyID] = struct{}{}
	}
	fresh := make([]StoryID, 0, len(candidates))
	for _, storyID := range candidates {
		if _, isOwned := ownedSet[storyID]; isOwned {
			continue
		}
		ownedSet[storyID] = struct{}{}
		fresh = append(fresh, storyID)
	}
	return fresh
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

package unlock

import (
	"context"
	"errors"
	"fmt"
)

// Balance returns the user's current coin balance.
func (service *Service) Balance(requestContext context.Context, userID UserID) (Coins, error) {
	return service.store.Balance(requestContext, userID)
}

// Library lists the user's ownership records, most recently read first.
func (service *Service) Library(requestContext context.Context, userID UserID, limit int) ([]Ownership, error) {
	if limit <= 0 || limit > defaultLibraryQueryLimit {
		limit = defaultLibraryQueryLimit
	}
	return service.store.ListOwnerships(requestContext, userID, limit)
}

// ReadStory returns an owned story and records the access.
func (service *Service) ReadStory(requestContext context.Context, userID UserID, storyID StoryID) (Story, Ownership, error) {
	var (
		story     Story
		ownership Ownership
	)
	operationError := func() error {
		var err error
		ownership, err = service.store.GetOwnership(requestContext, userID, storyID)
		if err != nil {
			return err
		}
		story, err = service.store.GetStory(requestContext, storyID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := service.store.TouchRead(requestContext, userID, storyID, nowUnixUTC); err != nil {
			return err
		}
		ownership.LastAccessedUnixUTC = nowUnixUTC
		return nil
	}()
	service.logOperation(requestContext, OperationLog{
		Operation: operationRead,
		UserID:    userID,
		StoryID:   storyID,
		Error:     operationError,
	})
	if operationError != nil {
		return Story{}, Ownership{}, operationError
	}
	return story, ownership, nil
}

// SetFavorite flags or unflags an owned story.
func (service *Service) SetFavorite(requestContext context.Context, userID UserID, storyID StoryID, favorite bool) error {
	operationError := service.store.SetFavorite(requestContext, userID, storyID, favorite)
	service.logOperation(requestContext, OperationLog{
		Operation: operationFavorite,
		UserID:    userID,
		StoryID:   storyID,
		Error:     operationError,
	})
	return operationError
}

// TopUp credits coins bought through the payment collaborator.
func (service *Service) TopUp(requestContext context.Context, userID UserID, amount Coins, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Coins, error) {
	var balance Coins
	operationError := func() error {
		if amount <= 0 {
			return fmt.Errorf("%w: top up must be greater than zero", ErrInvalidCoins)
		}
		return service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
			updated, err := transactionStore.Credit(ctx, Movement{
				UserID:         userID,
				Kind:           MovementTopUp,
				Amount:         amount,
				IdempotencyKey: idempotencyKey,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			balance = updated
			return nil
		})
	}()
	service.logOperation(requestContext, OperationLog{
		Operation:      operationTopUp,
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balance, nil
}

// IsDuplicate reports whether err stems from a reused idempotency key.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}

package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintMovementIdempotencyKey = "uniq_wallet_movements_idempotency_key"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintUniqueCode       = 2067
	errorOperationStore              = "store"
	errorSubjectStory                = "story"
	errorSubjectOwnership            = "ownership"
	errorSubjectWallet               = "wallet"
	errorSubjectMovement             = "movement"
	errorSubjectPricing              = "pricing"
	errorCodeApply                   = "apply"
	errorCodeCount                   = "count"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeUpdate                  = "update"
	errorCodeUpsert                  = "upsert"
)

// Store implements unlock.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ping checks the underlying connection.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertStories inserts catalog stories, replacing rows with the same id.
func (store *Store) UpsertStories(ctx context.Context, stories []unlock.Story) error {
	if len(stories) == 0 {
		return nil
	}
	now := time.Now().UTC()
	records := make([]StoryRecord, 0, len(stories))
	for _, story := range stories {
		records = append(records, StoryRecord{
			StoryID:     story.StoryID.String(),
			CategoryID:  story.CategoryID.String(),
			CharacterID: story.CharacterID.String(),
			AuthorRole:  story.AuthorRole.String(),
			AuthorID:    story.AuthorID,
			Title:       story.Title,
			Content:     story.Content,
			CreatedAt:   now,
		})
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "story_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"category_id", "character_id", "author_role", "author_id", "title", "content"}),
		}).
		Create(&records).Error
	if err != nil {
		return wrapStoreError(errorSubjectStory, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) FindCandidates(ctx context.Context, categoryID unlock.CategoryID, characterID unlock.CharacterID) ([]unlock.StoryID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&StoryRecord{}).
		Where("category_id = ? AND character_id = ? AND author_role = ?", categoryID.String(), characterID.String(), unlock.AuthorRoleCurator.String()).
		Order("story_id").
		Pluck("story_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStory, errorCodeList, err)
	}
	return parseStoryIDs(rawIDs)
}

func (store *Store) GetStory(ctx context.Context, storyID unlock.StoryID) (unlock.Story, error) {
	var record StoryRecord
	err := store.db.WithContext(ctx).Where("story_id = ?", storyID.String()).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, unlock.ErrUnknownStory)
		}
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, err)
	}
	story, err := mapStory(record)
	if err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
	}
	return story, nil
}

func (store *Store) OwnedBy(ctx context.Context, userID unlock.UserID) ([]unlock.StoryID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&Ownership{}).
		Where("user_id = ?", userID.String()).
		Pluck("story_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOwnership, errorCodeList, err)
	}
	return parseStoryIDs(rawIDs)
}

func (store *Store) Grant(ctx context.Context, grant unlock.Grant) (bool, error) {
	grantedAt := unixToTime(grant.GrantedUnixUTC)
	record := Ownership{
		UserID:         grant.UserID.String(),
		StoryID:        grant.StoryID.String(),
		UnlockKey:      grant.UnlockKey.String(),
		GrantedAt:      grantedAt,
		LastAccessedAt: grantedAt,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "story_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectOwnership, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) TouchRead(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID, atUnixUTC int64) error {
	err := store.db.WithContext(ctx).
		Model(&Ownership{}).
		Where("user_id = ? AND story_id = ?", userID.String(), storyID.String()).
		Update("last_accessed_at", unixToTime(atUnixUTC)).Error
	if err != nil {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) SetFavorite(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID, favorite bool) error {
	result := store.db.WithContext(ctx).
		Model(&Ownership{}).
		Where("user_id = ? AND story_id = ?", userID.String(), storyID.String()).
		Update("is_favorite", favorite)
	if result.Error != nil {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, unlock.ErrNotOwned)
	}
	return nil
}

func (store *Store) GetOwnership(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID) (unlock.Ownership, error) {
	var record Ownership
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND story_id = ?", userID.String(), storyID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return unlock.Ownership{}, wrapStoreError(errorSubjectOwnership, errorCodeGet, unlock.ErrNotOwned)
		}
		return unlock.Ownership{}, wrapStoreError(errorSubjectOwnership, errorCodeGet, err)
	}
	ownership, err := mapOwnership(record)
	if err != nil {
		return unlock.Ownership{}, wrapStoreError(errorSubjectOwnership, errorCodeInvalid, err)
	}
	return ownership, nil
}

func (store *Store) ListOwnerships(ctx context.Context, userID unlock.UserID, limit int) ([]unlock.Ownership, error) {
	var records []Ownership
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("last_accessed_at DESC").
		Order("story_id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOwnership, errorCodeList, err)
	}
	ownerships := make([]unlock.Ownership, 0, len(records))
	for _, record := range records {
		ownership, err := mapOwnership(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOwnership, errorCodeInvalid, err)
		}
		ownerships = append(ownerships, ownership)
	}
	return ownerships, nil
}

func (store *Store) HasGrantForUnlock(ctx context.Context, unlockKey unlock.IdempotencyKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Ownership{}).
		Where("unlock_key = ?", unlockKey.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectOwnership, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *Store) Balance(ctx context.Context, userID unlock.UserID) (unlock.Coins, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	balance, err := unlock.NewCoins(wallet.CoinBalance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) Debit(ctx context.Context, movement unlock.Movement) (unlock.Coins, error) {
	return store.applyMovement(ctx, movement, -movement.Amount.Int64())
}

func (store *Store) Credit(ctx context.Context, movement unlock.Movement) (unlock.Coins, error) {
	return store.applyMovement(ctx, movement, movement.Amount.Int64())
}

// applyMovement journals movement and shifts the balance by delta in one
// transaction (a savepoint when already inside one). Negative deltas only
// apply while the balance covers them.
func (store *Store) applyMovement(ctx context.Context, movement unlock.Movement, delta int64) (unlock.Coins, error) {
	createdAt := unixToTime(movement.CreatedUnixUTC)
	var balance int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&Wallet{UserID: movement.UserID.String(), UpdatedAt: createdAt}).Error
		if err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
		}
		record := WalletMovement{
			UserID:         movement.UserID.String(),
			Kind:           movement.Kind.String(),
			Amount:         movement.Amount.Int64(),
			IdempotencyKey: movement.IdempotencyKey.String(),
			Metadata:       datatypesJSON(movement.Metadata.String()),
			CreatedAt:      createdAt,
		}
		err = transaction.Create(&record).Error
		if isIdempotencyConflict(err) {
			return wrapStoreError(errorSubjectMovement, errorCodeDuplicate, unlock.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return wrapStoreError(errorSubjectMovement, errorCodeInsert, err)
		}
		update := transaction.Model(&Wallet{}).Where("user_id = ?", movement.UserID.String())
		if delta < 0 {
			update = update.Where("coin_balance >= ?", -delta)
		}
		result := update.Updates(map[string]interface{}{
			"coin_balance": gorm.Expr("coin_balance + ?", delta),
			"updated_at":   createdAt,
		})
		if result.Error != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeApply, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectWallet, errorCodeApply, unlock.ErrInsufficientFunds)
		}
		var wallet Wallet
		if err := transaction.Where("user_id = ?", movement.UserID.String()).Take(&wallet).Error; err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeGet, err)
		}
		balance = wallet.CoinBalance
		return nil
	})
	if err != nil {
		return 0, err
	}
	coins, err := unlock.NewCoins(balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return coins, nil
}

func (store *Store) FindMovement(ctx context.Context, idempotencyKey unlock.IdempotencyKey) (unlock.Movement, bool, error) {
	var record WalletMovement
	err := store.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey.String()).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return unlock.Movement{}, false, nil
		}
		return unlock.Movement{}, false, wrapStoreError(errorSubjectMovement, errorCodeGet, err)
	}
	movement, err := mapMovement(record)
	if err != nil {
		return unlock.Movement{}, false, wrapStoreError(errorSubjectMovement, errorCodeInvalid, err)
	}
	return movement, true, nil
}

func (store *Store) InitPricing(ctx context.Context, defaultPrice unlock.Coins) (unlock.Coins, error) {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&PricingSetting{ID: pricingSettingsRowID, UnlockPrice: defaultPrice.Int64(), UpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeCreate, err)
	}
	return store.UnlockPrice(ctx)
}

func (store *Store) UnlockPrice(ctx context.Context) (unlock.Coins, error) {
	var setting PricingSetting
	err := store.db.WithContext(ctx).Where("id = ?", pricingSettingsRowID).Take(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectPricing, errorCodeGet, unlock.ErrPricingNotInitialized)
		}
		return 0, wrapStoreError(errorSubjectPricing, errorCodeGet, err)
	}
	price, err := unlock.NewCoins(setting.UnlockPrice)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	return price, nil
}

func (store *Store) SetUnlockPrice(ctx context.Context, price unlock.Coins) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"unlock_price", "updated_at"}),
		}).
		Create(&PricingSetting{ID: pricingSettingsRowID, UnlockPrice: price.Int64(), UpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return unlock.WrapError(errorOperationStore, subject, code, err)
}

func parseStoryIDs(rawIDs []string) ([]unlock.StoryID, error) {
	storyIDs := make([]unlock.StoryID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		storyID, err := unlock.NewStoryID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
		}
		storyIDs = append(storyIDs, storyID)
	}
	return storyIDs, nil
}

func mapStory(record StoryRecord) (unlock.Story, error) {
	storyID, err := unlock.NewStoryID(record.StoryID)
	if err != nil {
		return unlock.Story{}, err
	}
	categoryID, err := unlock.NewCategoryID(record.CategoryID)
	if err != nil {
		return unlock.Story{}, err
	}
	characterID, err := unlock.NewCharacterID(record.CharacterID)
	if err != nil {
		return unlock.Story{}, err
	}
	role, err := unlock.ParseAuthorRole(record.AuthorRole)
	if err != nil {
		return unlock.Story{}, err
	}
	return unlock.Story{
		StoryID:     storyID,
		CategoryID:  categoryID,
		CharacterID: characterID,
		AuthorID:    record.AuthorID,
		AuthorRole:  role,
		Title:       record.Title,
		Content:     record.Content,
	}, nil
}

func mapOwnership(record Ownership) (unlock.Ownership, error) {
	userID, err := unlock.NewUserID(record.UserID)
	if err != nil {
		return unlock.Ownership{}, err
	}
	storyID, err := unlock.NewStoryID(record.StoryID)
	if err != nil {
		return unlock.Ownership{}, err
	}
	return unlock.Ownership{
		UserID:              userID,
		StoryID:             storyID,
		GrantedUnixUTC:      record.GrantedAt.Unix(),
		LastAccessedUnixUTC: record.LastAccessedAt.Unix(),
		IsFavorite:          record.IsFavorite,
	}, nil
}

func mapMovement(record WalletMovement) (unlock.Movement, error) {
	userID, err := unlock.NewUserID(record.UserID)
	if err != nil {
		return unlock.Movement{}, err
	}
	kind, err := unlock.ParseMovementKind(record.Kind)
	if err != nil {
		return unlock.Movement{}, err
	}
	amount, err := unlock.NewCoins(record.Amount)
	if err != nil {
		return unlock.Movement{}, err
	}
	idempotencyKey, err := unlock.NewIdempotencyKey(record.IdempotencyKey)
	if err != nil {
		return unlock.Movement{}, err
	}
	metadata, err := unlock.NewMetadataJSON(string(record.Metadata))
	if err != nil {
		return unlock.Movement{}, err
	}
	return unlock.Movement{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: record.CreatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintMovementIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintUniqueCode && strings.Contains(sqliteErr.Error(), "idempotency_key")
	}
	return false
}

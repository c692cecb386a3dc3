package unlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Coins is a non-negative wallet amount.
type Coins int64

// UserID identifies a wallet and library owner.
type UserID struct {
	value string
}

// StoryID identifies a catalog story.
type StoryID struct {
	value string
}

// CategoryID identifies a catalog category.
type CategoryID struct {
	value string
}

// CharacterID identifies a catalog character.
type CharacterID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for wallet movements.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewCoins validates a coin amount and ensures it is not negative.
func NewCoins(raw int64) (Coins, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCoins)
	}
	return Coins(raw), nil
}

// Int64 returns the raw amount.
func (amount Coins) Int64() int64 {
	return int64(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewStoryID validates and normalizes a story id.
func NewStoryID(raw string) (StoryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StoryID{}, fmt.Errorf("%w: empty value", ErrInvalidStoryID)
	}
	return StoryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id StoryID) String() string {
	return id.value
}

// NewCategoryID validates and normalizes a category id.
func NewCategoryID(raw string) (CategoryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CategoryID{}, fmt.Errorf("%w: empty value", ErrInvalidCategoryID)
	}
	return CategoryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CategoryID) String() string {
	return id.value
}

// NewCharacterID validates and normalizes a character id.
func NewCharacterID(raw string) (CharacterID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CharacterID{}, fmt.Errorf("%w: empty value", ErrInvalidCharacterID)
	}
	return CharacterID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CharacterID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// AuthorRole tells curator-authored stories apart from user generated ones.
type AuthorRole string

const (
	AuthorRoleCurator AuthorRole = "curator"
	AuthorRoleUser    AuthorRole = "user"
)

// String returns the stored representation.
func (role AuthorRole) String() string {
	return string(role)
}

// ParseAuthorRole validates a stored author role.
func ParseAuthorRole(raw string) (AuthorRole, error) {
	switch AuthorRole(strings.TrimSpace(raw)) {
	case AuthorRoleCurator:
		return AuthorRoleCurator, nil
	case AuthorRoleUser:
		return AuthorRoleUser, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthorRole, raw)
	}
}

// Story is an immutable catalog item.
type Story struct {
	StoryID     StoryID
	CategoryID  CategoryID
	CharacterID CharacterID
	AuthorID    string
	AuthorRole  AuthorRole
	Title       string
	Content     string
}

// MovementKind enumerates wallet movement kinds.
type MovementKind string

const (
	MovementDebit  MovementKind = "debit"
	MovementTopUp  MovementKind = "topup"
	MovementRefund MovementKind = "refund"
)

// String returns the stored representation.
func (kind MovementKind) String() string {
	return string(kind)
}

// ParseMovementKind validates a stored movement kind.
func ParseMovementKind(raw string) (MovementKind, error) {
	switch MovementKind(strings.TrimSpace(raw)) {
	case MovementDebit:
		return MovementDebit, nil
	case MovementTopUp:
		return MovementTopUp, nil
	case MovementRefund:
		return MovementRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMovementKind, raw)
	}
}

// Movement is one journaled change of a wallet balance.
type Movement struct {
	UserID         UserID
	Kind           MovementKind
	Amount         Coins
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// Grant is the input for creating an ownership record.
type Grant struct {
	UserID         UserID
	StoryID        StoryID
	UnlockKey      IdempotencyKey
	GrantedUnixUTC int64
}

// Ownership is one ledger entry: a user permanently holding a story.
type Ownership struct {
	UserID              UserID
	StoryID             StoryID
	GrantedUnixUTC      int64
	LastAccessedUnixUTC int64
	IsFavorite          bool
}

// Outcome names the branch an unlock request terminated in.
type Outcome string

const (
	OutcomeNothingAvailable Outcome = "nothing_available"
	OutcomeFreeReread       Outcome = "free_reread"
	OutcomePaidUnlock       Outcome = "paid_unlock"
)

// UnlockRequest carries the selection criteria of one unlock.
type UnlockRequest struct {
	UserID      UserID
	CategoryID  CategoryID
	CharacterID CharacterID
	Metadata    MetadataJSON
}

// UnlockResult reports a committed unlock or re-read.
type UnlockResult struct {
	Story          Story
	RemainingCoins Coins
	Unlocked       bool
	ChargedCoins   Coins
	Outcome        Outcome
	// UnlockKey identifies the wallet movements of a paid unlock.
	UnlockKey IdempotencyKey
}

// Message returns the user facing summary of the result.
func (result UnlockResult) Message() string {
	if result.Unlocked {
		return MessageUnlocked
	}
	return MessageReread
}

// Catalog is the read-only query over curator-authored stories.
type Catalog interface {
	FindCandidates(ctx context.Context, categoryID CategoryID, characterID CharacterID) ([]StoryID, error)
	GetStory(ctx context.Context, storyID StoryID) (Story, error)
}

// Ledger holds per-(user, story) ownership records.
type Ledger interface {
	OwnedBy(ctx context.Context, userID UserID) ([]StoryID, error)
	// Grant inserts an ownership record; created is false when the pair already exists.
	Grant(ctx context.Context, grant Grant) (bool, error)
	// TouchRead updates the last access time; unowned pairs are ignored.
	TouchRead(ctx context.Context, userID UserID, storyID StoryID, atUnixUTC int64) error
	SetFavorite(ctx context.Context, userID UserID, storyID StoryID, favorite bool) error
	GetOwnership(ctx context.Context, userID UserID, storyID StoryID) (Ownership, error)
	ListOwnerships(ctx context.Context, userID UserID, limit int) ([]Ownership, error)
	HasGrantForUnlock(ctx context.Context, unlockKey IdempotencyKey) (bool, error)
}

// Wallet holds per-user coin balances and their movement journal.
type Wallet interface {
	Balance(ctx context.Context, userID UserID) (Coins, error)
	// Debit subtracts atomically and fails with ErrInsufficientFunds instead of going negative.
	Debit(ctx context.Context, movement Movement) (Coins, error)
	Credit(ctx context.Context, movement Movement) (Coins, error)
	FindMovement(ctx context.Context, idempotencyKey IdempotencyKey) (Movement, bool, error)
}

// PricingConfig holds the process-wide unlock price.
type PricingConfig interface {
	// InitPricing stores defaultPrice when no price exists and returns the effective price.
	InitPricing(ctx context.Context, defaultPrice Coins) (Coins, error)
	UnlockPrice(ctx context.Context) (Coins, error)
	SetUnlockPrice(ctx context.Context, price Coins) error
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Catalog
	Ledger
	Wallet
	PricingConfig
}

package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const pricingSettingsRowID = 1

// StoryRecord mirrors the stories table.
type StoryRecord struct {
	StoryID     string    `gorm:"primaryKey"`
	CategoryID  string    `gorm:"not null;index:idx_stories_selection,priority:1"`
	CharacterID string    `gorm:"not null;index:idx_stories_selection,priority:2"`
	AuthorRole  string    `gorm:"not null;index:idx_stories_selection,priority:3"`
	AuthorID    string    `gorm:"not null"`
	Title       string    `gorm:"not null"`
	Content     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (StoryRecord) TableName() string { return "stories" }

// Wallet mirrors the wallets table; the balance never goes below zero.
type Wallet struct {
	UserID      string    `gorm:"primaryKey"`
	CoinBalance int64     `gorm:"not null;default:0;check:chk_wallets_coin_balance,coin_balance >= 0"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletMovement mirrors the wallet_movements journal.
type WalletMovement struct {
	MovementID     string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_wallet_movements_user_created,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_wallet_movements_idempotency_key"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_wallet_movements_user_created,priority:2"`
}

func (WalletMovement) TableName() string { return "wallet_movements" }

func (movement *WalletMovement) BeforeCreate(tx *gorm.DB) error {
	if movement.MovementID == "" {
		movement.MovementID = uuid.NewString()
	}
	return nil
}

// Ownership mirrors the ownerships table, one row per (user, story).
type Ownership struct {
	OwnershipID    string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;uniqueIndex:uniq_ownerships_user_story,priority:1;index:idx_ownerships_user_accessed,priority:1"`
	StoryID        string    `gorm:"not null;uniqueIndex:uniq_ownerships_user_story,priority:2"`
	UnlockKey      string    `gorm:"not null;default:'';index:idx_ownerships_unlock_key"`
	GrantedAt      time.Time `gorm:"not null"`
	LastAccessedAt time.Time `gorm:"not null;index:idx_ownerships_user_accessed,priority:2"`
	IsFavorite     bool      `gorm:"not null;default:false"`
}

func (Ownership) TableName() string { return "ownerships" }

func (ownership *Ownership) BeforeCreate(tx *gorm.DB) error {
	if ownership.OwnershipID == "" {
		ownership.OwnershipID = uuid.NewString()
	}
	return nil
}

// PricingSetting is the single-row pricing_settings table.
type PricingSetting struct {
	ID          int       `gorm:"primaryKey;autoIncrement:false"`
	UnlockPrice int64     `gorm:"not null;check:chk_pricing_settings_unlock_price,unlock_price >= 0"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (PricingSetting) TableName() string { return "pricing_settings" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&StoryRecord{}, &Wallet{}, &WalletMovement{}, &Ownership{}, &PricingSetting{}}
}

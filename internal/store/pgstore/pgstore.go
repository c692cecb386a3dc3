package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	pricingSettingsRowID    = 1
	errorOperationStore     = "store"
	errorSubjectSchema      = "schema"
	errorSubjectStory       = "story"
	errorSubjectOwnership   = "ownership"
	errorSubjectWallet      = "wallet"
	errorSubjectMovement    = "movement"
	errorSubjectPricing     = "pricing"
	errorSubjectTransaction = "transaction"
	errorCodeApply          = "apply"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeEnsure         = "ensure"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	sqlUpsertStory = `
		insert into stories(story_id, category_id, character_id, author_role, author_id, title, content)
		values($1, $2, $3, $4, $5, $6, $7)
		on conflict (story_id) do update set
			category_id = excluded.category_id,
			character_id = excluded.character_id,
			author_role = excluded.author_role,
			author_id = excluded.author_id,
			title = excluded.title,
			content = excluded.content
	`

	sqlSelectCandidates = `
		select story_id from stories
		where category_id = $1 and character_id = $2 and author_role = 'curator'
		order by story_id
	`

	sqlSelectStory = `
		select story_id, category_id, character_id, author_role, author_id, title, content
		from stories where story_id = $1
	`

	sqlSelectOwnedStoryIDs = `select story_id from ownerships where user_id = $1`

	sqlInsertOwnership = `
		insert into ownerships(user_id, story_id, unlock_key, granted_at, last_accessed_at)
		values($1, $2, $3, to_timestamp($4), to_timestamp($4))
		on conflict (user_id, story_id) do nothing
	`

	sqlTouchRead = `
		update ownerships set last_accessed_at = to_timestamp($3)
		where user_id = $1 and story_id = $2
	`

	sqlSetFavorite = `
		update ownerships set is_favorite = $3
		where user_id = $1 and story_id = $2
	`

	sqlOwnershipColumns = `
		select user_id, story_id,
			extract(epoch from granted_at)::bigint,
			extract(epoch from last_accessed_at)::bigint,
			is_favorite
		from ownerships
	`

	sqlSelectOwnership = sqlOwnershipColumns + ` where user_id = $1 and story_id = $2`

	sqlListOwnerships = sqlOwnershipColumns + `
		where user_id = $1
		order by last_accessed_at desc, story_id
		limit $2
	`

	sqlCountUnlockGrants = `select count(*) from ownerships where unlock_key = $1`

	sqlSelectBalance = `select coin_balance from wallets where user_id = $1`

	sqlEnsureWallet = `insert into wallets(user_id) values($1) on conflict (user_id) do nothing`

	sqlInsertMovement = `
		insert into wallet_movements(user_id, kind, amount, idempotency_key, metadata, created_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6::bigint))
		on conflict (idempotency_key) do nothing
	`

	sqlApplyDelta = `
		update wallets set coin_balance = coin_balance + $2, updated_at = now()
		where user_id = $1 and coin_balance + $2 >= 0
		returning coin_balance
	`

	sqlSelectMovement = `
		select user_id, kind, amount, idempotency_key, metadata::text, extract(epoch from created_at)::bigint
		from wallet_movements where idempotency_key = $1
	`

	sqlInitPricing = `
		insert into pricing_settings(id, unlock_price) values($1, $2)
		on conflict (id) do nothing
	`

	sqlSelectPrice = `select unlock_price from pricing_settings where id = $1`

	sqlUpsertPrice = `
		insert into pricing_settings(id, unlock_price) values($1, $2)
		on conflict (id) do update set unlock_price = excluded.unlock_price, updated_at = now()
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// Store implements unlock.Store on a pgx pool. Inside WithTx the same type
// runs against the open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// EnsureSchema creates missing tables and indexes.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

// Ping checks the pool.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// UpsertStories inserts catalog stories, replacing rows with the same id.
func (store *Store) UpsertStories(ctx context.Context, stories []unlock.Story) error {
	batch := &pgx.Batch{}
	for _, story := range stories {
		batch.Queue(sqlUpsertStory,
			story.StoryID.String(),
			story.CategoryID.String(),
			story.CharacterID.String(),
			story.AuthorRole.String(),
			story.AuthorID,
			story.Title,
			story.Content,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := store.db.SendBatch(ctx, batch).Close(); err != nil {
		return wrapStoreError(errorSubjectStory, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) FindCandidates(ctx context.Context, categoryID unlock.CategoryID, characterID unlock.CharacterID) ([]unlock.StoryID, error) {
	rows, err := store.db.Query(ctx, sqlSelectCandidates, categoryID.String(), characterID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectStory, errorCodeList, err)
	}
	return scanStoryIDs(rows, errorSubjectStory)
}

func (store *Store) GetStory(ctx context.Context, storyID unlock.StoryID) (unlock.Story, error) {
	var (
		storyValue     string
		categoryValue  string
		characterValue string
		roleValue      string
		story          unlock.Story
	)
	err := store.db.QueryRow(ctx, sqlSelectStory, storyID.String()).Scan(
		&storyValue,
		&categoryValue,
		&characterValue,
		&roleValue,
		&story.AuthorID,
		&story.Title,
		&story.Content,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, unlock.ErrUnknownStory)
		}
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeGet, err)
	}
	if story.StoryID, err = unlock.NewStoryID(storyValue); err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
	}
	if story.CategoryID, err = unlock.NewCategoryID(categoryValue); err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
	}
	if story.CharacterID, err = unlock.NewCharacterID(characterValue); err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
	}
	if story.AuthorRole, err = unlock.ParseAuthorRole(roleValue); err != nil {
		return unlock.Story{}, wrapStoreError(errorSubjectStory, errorCodeInvalid, err)
	}
	return story, nil
}

func (store *Store) OwnedBy(ctx context.Context, userID unlock.UserID) ([]unlock.StoryID, error) {
	rows, err := store.db.Query(ctx, sqlSelectOwnedStoryIDs, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectOwnership, errorCodeList, err)
	}
	return scanStoryIDs(rows, errorSubjectOwnership)
}

func (store *Store) Grant(ctx context.Context, grant unlock.Grant) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertOwnership,
		grant.UserID.String(),
		grant.StoryID.String(),
		grant.UnlockKey.String(),
		grant.GrantedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectOwnership, errorCodeCreate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) TouchRead(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID, atUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlTouchRead, userID.String(), storyID.String(), atUnixUTC); err != nil {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) SetFavorite(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID, favorite bool) error {
	tag, err := store.db.Exec(ctx, sqlSetFavorite, userID.String(), storyID.String(), favorite)
	if err != nil {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectOwnership, errorCodeUpdate, unlock.ErrNotOwned)
	}
	return nil
}

func (store *Store) GetOwnership(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID) (unlock.Ownership, error) {
	ownership, err := scanOwnership(store.db.QueryRow(ctx, sqlSelectOwnership, userID.String(), storyID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return unlock.Ownership{}, wrapStoreError(errorSubjectOwnership, errorCodeGet, unlock.ErrNotOwned)
		}
		return unlock.Ownership{}, wrapStoreError(errorSubjectOwnership, errorCodeGet, err)
	}
	return ownership, nil
}

func (store *Store) ListOwnerships(ctx context.Context, userID unlock.UserID, limit int) ([]unlock.Ownership, error) {
	rows, err := store.db.Query(ctx, sqlListOwnerships, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectOwnership, errorCodeList, err)
	}
	defer rows.Close()
	ownerships := make([]unlock.Ownership, 0)
	for rows.Next() {
		ownership, err := scanOwnership(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOwnership, errorCodeInvalid, err)
		}
		ownerships = append(ownerships, ownership)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectOwnership, errorCodeList, err)
	}
	return ownerships, nil
}

func (store *Store) HasGrantForUnlock(ctx context.Context, unlockKey unlock.IdempotencyKey) (bool, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountUnlockGrants, unlockKey.String()).Scan(&count); err != nil {
		return false, wrapStoreError(errorSubjectOwnership, errorCodeCount, err)
	}
	return count > 0, nil
}

func (store *Store) Balance(ctx context.Context, userID unlock.UserID) (unlock.Coins, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	coins, err := unlock.NewCoins(balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return coins, nil
}

func (store *Store) Debit(ctx context.Context, movement unlock.Movement) (unlock.Coins, error) {
	return store.applyMovement(ctx, movement, -movement.Amount.Int64())
}

func (store *Store) Credit(ctx context.Context, movement unlock.Movement) (unlock.Coins, error) {
	return store.applyMovement(ctx, movement, movement.Amount.Int64())
}

// applyMovement journals movement and shifts the balance by delta inside a
// transaction, or a savepoint when one is already open.
func (store *Store) applyMovement(ctx context.Context, movement unlock.Movement, delta int64) (unlock.Coins, error) {
	tx, err := store.db.Begin(ctx)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sqlEnsureWallet, movement.UserID.String()); err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	tag, err := tx.Exec(ctx, sqlInsertMovement,
		movement.UserID.String(),
		movement.Kind.String(),
		movement.Amount.Int64(),
		movement.IdempotencyKey.String(),
		movement.Metadata.String(),
		movement.CreatedUnixUTC,
	)
	if err != nil {
		return 0, wrapStoreError(errorSubjectMovement, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, wrapStoreError(errorSubjectMovement, errorCodeDuplicate, unlock.ErrDuplicateIdempotencyKey)
	}
	var balance int64
	err = tx.QueryRow(ctx, sqlApplyDelta, movement.UserID.String(), delta).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectWallet, errorCodeApply, unlock.ErrInsufficientFunds)
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeApply, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	coins, err := unlock.NewCoins(balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return coins, nil
}

func (store *Store) FindMovement(ctx context.Context, idempotencyKey unlock.IdempotencyKey) (unlock.Movement, bool, error) {
	var (
		userValue     string
		kindValue     string
		amountValue   int64
		keyValue      string
		metadataValue string
		createdUnix   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectMovement, idempotencyKey.String()).Scan(
		&userValue,
		&kindValue,
		&amountValue,
		&keyValue,
		&metadataValue,
		&createdUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return unlock.Movement{}, false, nil
		}
		return unlock.Movement{}, false, wrapStoreError(errorSubjectMovement, errorCodeGet, err)
	}
	movement, err := buildMovement(userValue, kindValue, amountValue, keyValue, metadataValue, createdUnix)
	if err != nil {
		return unlock.Movement{}, false, wrapStoreError(errorSubjectMovement, errorCodeInvalid, err)
	}
	return movement, true, nil
}

func (store *Store) InitPricing(ctx context.Context, defaultPrice unlock.Coins) (unlock.Coins, error) {
	if _, err := store.db.Exec(ctx, sqlInitPricing, pricingSettingsRowID, defaultPrice.Int64()); err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeCreate, err)
	}
	return store.UnlockPrice(ctx)
}

func (store *Store) UnlockPrice(ctx context.Context) (unlock.Coins, error) {
	var price int64
	err := store.db.QueryRow(ctx, sqlSelectPrice, pricingSettingsRowID).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectPricing, errorCodeGet, unlock.ErrPricingNotInitialized)
		}
		return 0, wrapStoreError(errorSubjectPricing, errorCodeGet, err)
	}
	coins, err := unlock.NewCoins(price)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	return coins, nil
}

func (store *Store) SetUnlockPrice(ctx context.Context, price unlock.Coins) error {
	if _, err := store.db.Exec(ctx, sqlUpsertPrice, pricingSettingsRowID, price.Int64()); err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return unlock.WrapError(errorOperationStore, subject, code, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoryIDs(rows pgx.Rows, subject string) ([]unlock.StoryID, error) {
	defer rows.Close()
	storyIDs := make([]unlock.StoryID, 0)
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, wrapStoreError(subject, errorCodeList, err)
		}
		storyID, err := unlock.NewStoryID(rawID)
		if err != nil {
			return nil, wrapStoreError(subject, errorCodeInvalid, err)
		}
		storyIDs = append(storyIDs, storyID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	return storyIDs, nil
}

func scanOwnership(row rowScanner) (unlock.Ownership, error) {
	var (
		userValue  string
		storyValue string
		ownership  unlock.Ownership
	)
	if err := row.Scan(&userValue, &storyValue, &ownership.GrantedUnixUTC, &ownership.LastAccessedUnixUTC, &ownership.IsFavorite); err != nil {
		return unlock.Ownership{}, err
	}
	var err error
	if ownership.UserID, err = unlock.NewUserID(userValue); err != nil {
		return unlock.Ownership{}, err
	}
	if ownership.StoryID, err = unlock.NewStoryID(storyValue); err != nil {
		return unlock.Ownership{}, err
	}
	return ownership, nil
}

func buildMovement(userValue, kindValue string, amountValue int64, keyValue, metadataValue string, createdUnix int64) (unlock.Movement, error) {
	userID, err := unlock.NewUserID(userValue)
	if err != nil {
		return unlock.Movement{}, err
	}
	kind, err := unlock.ParseMovementKind(kindValue)
	if err != nil {
		return unlock.Movement{}, err
	}
	amount, err := unlock.NewCoins(amountValue)
	if err != nil {
		return unlock.Movement{}, err
	}
	idempotencyKey, err := unlock.NewIdempotencyKey(keyValue)
	if err != nil {
		return unlock.Movement{}, err
	}
	metadata, err := unlock.NewMetadataJSON(metadataValue)
	if err != nil {
		return unlock.Movement{}, err
	}
	return unlock.Movement{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnix,
	}, nil
}

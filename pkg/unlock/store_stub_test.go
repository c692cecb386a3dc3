package unlock

import (
	"context"
	"sort"
	"sync"
	"testing"
)

type ownershipKey struct {
	userID  UserID
	storyID StoryID
}

type stubOwnership struct {
	ownership Ownership
	unlockKey IdempotencyKey
}

// stubStore is an in-memory Store. WithTx is not atomic unless atomic is set,
// which makes compensation observable.
type stubStore struct {
	mutex      sync.Mutex
	atomic     bool
	stories    map[StoryID]Story
	balances   map[UserID]Coins
	movements  map[IdempotencyKey]Movement
	ownerships map[ownershipKey]stubOwnership
	price      *Coins

	findCandidatesError error
	ownedByError        error
	getStoryError       error
	touchReadError      error
	balanceError        error
	debitError          error
	grantError          error
	creditError         error
	findMovementError   error
	priceError          error
	commitError         error
	beforeGrant         func(store *stubStore, grant Grant)

	debitCalls     int
	touchReadCalls []ownershipKey
	priceReads     int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		stories:    make(map[StoryID]Story),
		balances:   make(map[UserID]Coins),
		movements:  make(map[IdempotencyKey]Movement),
		ownerships: make(map[ownershipKey]stubOwnership),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if fn == nil {
		return nil
	}
	if !store.atomic {
		if err := fn(ctx, store); err != nil {
			return err
		}
		return store.commitError
	}
	snapshot := store.snapshot()
	err := fn(ctx, store)
	if err == nil {
		err = store.commitError
	}
	if err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	balances   map[UserID]Coins
	movements  map[IdempotencyKey]Movement
	ownerships map[ownershipKey]stubOwnership
}

func (store *stubStore) snapshot() stubSnapshot {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := stubSnapshot{
		balances:   make(map[UserID]Coins, len(store.balances)),
		movements:  make(map[IdempotencyKey]Movement, len(store.movements)),
		ownerships: make(map[ownershipKey]stubOwnership, len(store.ownerships)),
	}
	for key, value := range store.balances {
		snapshot.balances[key] = value
	}
	for key, value := range store.movements {
		snapshot.movements[key] = value
	}
	for key, value := range store.ownerships {
		snapshot.ownerships[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.balances = snapshot.balances
	store.movements = snapshot.movements
	store.ownerships = snapshot.ownerships
}

func (store *stubStore) FindCandidates(ctx context.Context, categoryID CategoryID, characterID CharacterID) ([]StoryID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.findCandidatesError != nil {
		return nil, store.findCandidatesError
	}
	candidates := make([]StoryID, 0)
	for storyID, story := range store.stories {
		if story.CategoryID == categoryID && story.CharacterID == characterID && story.AuthorRole == AuthorRoleCurator {
			candidates = append(candidates, storyID)
		}
	}
	return candidates, nil
}

func (store *stubStore) GetStory(ctx context.Context, storyID StoryID) (Story, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getStoryError != nil {
		return Story{}, store.getStoryError
	}
	story, ok := store.stories[storyID]
	if !ok {
		return Story{}, ErrUnknownStory
	}
	return story, nil
}

func (store *stubStore) OwnedBy(ctx context.Context, userID UserID) ([]StoryID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.ownedByError != nil {
		return nil, store.ownedByError
	}
	owned := make([]StoryID, 0)
	for key := range store.ownerships {
		if key.userID == userID {
			owned = append(owned, key.storyID)
		}
	}
	return owned, nil
}

func (store *stubStore) Grant(ctx context.Context, grant Grant) (bool, error) {
	if store.beforeGrant != nil {
		store.beforeGrant(store, grant)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.grantError != nil {
		return false, store.grantError
	}
	key := ownershipKey{userID: grant.UserID, storyID: grant.StoryID}
	if _, exists := store.ownerships[key]; exists {
		return false, nil
	}
	store.ownerships[key] = stubOwnership{
		ownership: Ownership{
			UserID:              grant.UserID,
			StoryID:             grant.StoryID,
			GrantedUnixUTC:      grant.GrantedUnixUTC,
			LastAccessedUnixUTC: grant.GrantedUnixUTC,
		},
		unlockKey: grant.UnlockKey,
	}
	return true, nil
}

func (store *stubStore) TouchRead(ctx context.Context, userID UserID, storyID StoryID, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.touchReadError != nil {
		return store.touchReadError
	}
	key := ownershipKey{userID: userID, storyID: storyID}
	store.touchReadCalls = append(store.touchReadCalls, key)
	record, ok := store.ownerships[key]
	if !ok {
		return nil
	}
	record.ownership.LastAccessedUnixUTC = atUnixUTC
	store.ownerships[key] = record
	return nil
}

func (store *stubStore) SetFavorite(ctx context.Context, userID UserID, storyID StoryID, favorite bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := ownershipKey{userID: userID, storyID: storyID}
	record, ok := store.ownerships[key]
	if !ok {
		return ErrNotOwned
	}
	record.ownership.IsFavorite = favorite
	store.ownerships[key] = record
	return nil
}

func (store *stubStore) GetOwnership(ctx context.Context, userID UserID, storyID StoryID) (Ownership, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.ownerships[ownershipKey{userID: userID, storyID: storyID}]
	if !ok {
		return Ownership{}, ErrNotOwned
	}
	return record.ownership, nil
}

func (store *stubStore) ListOwnerships(ctx context.Context, userID UserID, limit int) ([]Ownership, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	ownerships := make([]Ownership, 0)
	for key, record := range store.ownerships {
		if key.userID == userID {
			ownerships = append(ownerships, record.ownership)
		}
	}
	sort.Slice(ownerships, func(left, right int) bool {
		return ownerships[left].LastAccessedUnixUTC > ownerships[right].LastAccessedUnixUTC
	})
	if len(ownerships) > limit {
		ownerships = ownerships[:limit]
	}
	return ownerships, nil
}

func (store *stubStore) HasGrantForUnlock(ctx context.Context, unlockKey IdempotencyKey) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, record := range store.ownerships {
		if record.unlockKey == unlockKey {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) Balance(ctx context.Context, userID UserID) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.balanceError != nil {
		return 0, store.balanceError
	}
	return store.balances[userID], nil
}

func (store *stubStore) Debit(ctx context.Context, movement Movement) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.debitCalls++
	if store.debitError != nil {
		return 0, store.debitError
	}
	balance := store.balances[movement.UserID]
	if movement.Amount > balance {
		return 0, ErrInsufficientFunds
	}
	if _, exists := store.movements[movement.IdempotencyKey]; exists {
		return 0, ErrDuplicateIdempotencyKey
	}
	balance -= movement.Amount
	store.balances[movement.UserID] = balance
	store.movements[movement.IdempotencyKey] = movement
	return balance, nil
}

func (store *stubStore) Credit(ctx context.Context, movement Movement) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.creditError != nil {
		return 0, store.creditError
	}
	if _, exists := store.movements[movement.IdempotencyKey]; exists {
		return 0, ErrDuplicateIdempotencyKey
	}
	balance := store.balances[movement.UserID] + movement.Amount
	store.balances[movement.UserID] = balance
	store.movements[movement.IdempotencyKey] = movement
	return balance, nil
}

func (store *stubStore) FindMovement(ctx context.Context, idempotencyKey IdempotencyKey) (Movement, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.findMovementError != nil {
		return Movement{}, false, store.findMovementError
	}
	movement, ok := store.movements[idempotencyKey]
	return movement, ok, nil
}

func (store *stubStore) InitPricing(ctx context.Context, defaultPrice Coins) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.price == nil {
		price := defaultPrice
		store.price = &price
	}
	return *store.price, nil
}

func (store *stubStore) UnlockPrice(ctx context.Context) (Coins, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.priceReads++
	if store.priceError != nil {
		return 0, store.priceError
	}
	if store.price == nil {
		return 0, ErrPricingNotInitialized
	}
	return *store.price, nil
}

func (store *stubStore) SetUnlockPrice(ctx context.Context, price Coins) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.price = &price
	return nil
}

func (store *stubStore) addStory(test *testing.T, storyID string, categoryID string, characterID string) StoryID {
	test.Helper()
	story := Story{
		StoryID:     mustStoryID(test, storyID),
		CategoryID:  mustCategoryID(test, categoryID),
		CharacterID: mustCharacterID(test, characterID),
		AuthorID:    "curator-1",
		AuthorRole:  AuthorRoleCurator,
		Title:       "Title " + storyID,
		Content:     "Once upon a time " + storyID,
	}
	store.stories[story.StoryID] = story
	return story.StoryID
}

func (store *stubStore) setBalance(userID UserID, balance Coins) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.balances[userID] = balance
}

func (store *stubStore) balanceOf(userID UserID) Coins {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.balances[userID]
}

func (store *stubStore) setPrice(price Coins) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.price = &price
}

func (store *stubStore) ownershipCount(userID UserID) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	count := 0
	for key := range store.ownerships {
		if key.userID == userID {
			count++
		}
	}
	return count
}

func (store *stubStore) forceOwnership(userID UserID, storyID StoryID, grantedUnixUTC int64) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.ownerships[ownershipKey{userID: userID, storyID: storyID}] = stubOwnership{
		ownership: Ownership{
			UserID:              userID,
			StoryID:             storyID,
			GrantedUnixUTC:      grantedUnixUTC,
			LastAccessedUnixUTC: grantedUnixUTC,
		},
	}
}

func (store *stubStore) ownership(test *testing.T, userID UserID, storyID StoryID) Ownership {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.ownerships[ownershipKey{userID: userID, storyID: storyID}]
	if !ok {
		test.Fatalf("ownership %s/%s not found", userID.String(), storyID.String())
	}
	return record.ownership
}

func (store *stubStore) movementsOfKind(kind MovementKind) []Movement {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matching := make([]Movement, 0)
	for _, movement := range store.movements {
		if movement.Kind == kind {
			matching = append(matching, movement)
		}
	}
	return matching
}

type fixedClock struct {
	mutex sync.Mutex
	now   int64
}

func (clock *fixedClock) Now() int64 {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fixedClock) set(now int64) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustStoryID(test *testing.T, raw string) StoryID {
	test.Helper()
	value, err := NewStoryID(raw)
	if err != nil {
		test.Fatalf("story id: %v", err)
	}
	return value
}

func mustCategoryID(test *testing.T, raw string) CategoryID {
	test.Helper()
	value, err := NewCategoryID(raw)
	if err != nil {
		test.Fatalf("category id: %v", err)
	}
	return value
}

func mustCharacterID(test *testing.T, raw string) CharacterID {
	test.Helper()
	value, err := NewCharacterID(raw)
	if err != nil {
		test.Fatalf("character id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustRequest(test *testing.T, userID UserID, categoryID string, characterID string) UnlockRequest {
	test.Helper()
	return UnlockRequest{
		UserID:      userID,
		CategoryID:  mustCategoryID(test, categoryID),
		CharacterID: mustCharacterID(test, characterID),
		Metadata:    mustMetadata(test, `{"place":"forest"}`),
	}
}

func sequenceSource(indexes ...int) RandomSource {
	var (
		mutex    sync.Mutex
		position int
	)
	return func(n int) int {
		mutex.Lock()
		defer mutex.Unlock()
		index := indexes[position%len(indexes)]
		position++
		return index % n
	}
}

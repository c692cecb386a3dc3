package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
)

const cliCatalog = `
stories:
  - storyId: dragon-forest
    categoryId: bedtime
    characterId: dragon
    authorId: curator-1
    title: The Sleepy Dragon
    content: Once upon a time.
`

func runCLI(test *testing.T, args ...string) (string, error) {
	test.Helper()
	cmd := newRootCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return output.String(), err
}

func mustRunCLI(test *testing.T, args ...string) string {
	test.Helper()
	output, err := runCLI(test, args...)
	if err != nil {
		test.Fatalf("storyunlockd %s: %v", strings.Join(args, " "), err)
	}
	return output
}

func TestCommandsOperateOnSQLiteDatabase(test *testing.T) {
	dir := test.TempDir()
	databaseURL := filepath.Join(dir, "storyunlock.db")
	catalogPath := filepath.Join(dir, "stories.yaml")
	if err := os.WriteFile(catalogPath, []byte(cliCatalog), 0o600); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	dbFlag := "--" + flagDatabaseURL + "=" + databaseURL

	if output := mustRunCLI(test, "pricing", "show", dbFlag, "--default-unlock-price=4"); !strings.Contains(output, "unlock price: 4") {
		test.Fatalf("unexpected pricing output %q", output)
	}
	if output := mustRunCLI(test, "catalog", "import", "--file", catalogPath, dbFlag); !strings.Contains(output, "imported 1 stories") {
		test.Fatalf("unexpected import output %q", output)
	}
	if output := mustRunCLI(test, "pricing", "set", "7", dbFlag); !strings.Contains(output, "unlock price: 7") {
		test.Fatalf("unexpected pricing set output %q", output)
	}
	if output := mustRunCLI(test, "pricing", "show", dbFlag, "--default-unlock-price=4"); !strings.Contains(output, "unlock price: 7") {
		test.Fatalf("expected stored price to win over the default, got %q", output)
	}
	if output := mustRunCLI(test, "wallet", "credit", "--user-id", "reader-1", "--coins", "25", "--idempotency-key", "payment-1", dbFlag); !strings.Contains(output, "balance: 25") {
		test.Fatalf("unexpected credit output %q", output)
	}
	if _, err := runCLI(test, "wallet", "credit", "--user-id", "reader-1", "--coins", "25", "--idempotency-key", "payment-1", dbFlag); err == nil || !strings.Contains(err.Error(), "already applied") {
		test.Fatalf("expected replayed top up to fail, got %v", err)
	}

	cfg := &runtimeConfig{DatabaseURL: databaseURL}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	err := withRuntime(context.Background(), cfg, func(ctx context.Context, runtime *appRuntime) error {
		userID, _ := unlock.NewUserID("reader-1")
		categoryID, _ := unlock.NewCategoryID("bedtime")
		characterID, _ := unlock.NewCharacterID("dragon")
		result, err := runtime.service.Unlock(ctx, unlock.UnlockRequest{UserID: userID, CategoryID: categoryID, CharacterID: characterID})
		if err != nil {
			return err
		}
		if !result.Unlocked || result.RemainingCoins != 18 || result.Story.StoryID.String() != "dragon-forest" {
			test.Errorf("unexpected unlock result %+v", result)
		}
		return nil
	})
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}

	if output := mustRunCLI(test, "wallet", "balance", "--user-id", "reader-1", dbFlag); !strings.Contains(output, "balance: 18") {
		test.Fatalf("unexpected balance output %q", output)
	}
}

func TestPricingSetRejectsInvalidPrices(test *testing.T) {
	databaseURL := filepath.Join(test.TempDir(), "storyunlock.db")
	_, err := runCLI(test, "pricing", "set", "--"+flagDatabaseURL+"="+databaseURL, "--", "-1")
	if !errors.Is(err, unlock.ErrInvalidCoins) {
		test.Fatalf("expected ErrInvalidCoins for a negative price, got %v", err)
	}
	_, err = runCLI(test, "pricing", "set", "ten", "--"+flagDatabaseURL+"="+databaseURL)
	if !errors.Is(err, unlock.ErrInvalidCoins) {
		test.Fatalf("expected ErrInvalidCoins for a non-numeric price, got %v", err)
	}
}

func TestServeRequiresSigningKey(test *testing.T) {
	databaseURL := filepath.Join(test.TempDir(), "storyunlock.db")
	_, err := runCLI(test, "serve", "--"+flagDatabaseURL+"="+databaseURL)
	if err == nil || !strings.Contains(err.Error(), "jwt signing key") {
		test.Fatalf("expected signing key error, got %v", err)
	}
}

func TestRuntimeConfigValidate(test *testing.T) {
	testCases := []struct {
		name    string
		cfg     runtimeConfig
		wantErr bool
	}{
		{name: "defaults", cfg: runtimeConfig{}},
		{name: "pgx with postgres", cfg: runtimeConfig{DatabaseURL: "postgres://localhost/db", StoreDriver: storeDriverPgx}},
		{name: "pgx with sqlite", cfg: runtimeConfig{DatabaseURL: "sqlite:///tmp/x.db", StoreDriver: storeDriverPgx}, wantErr: true},
		{name: "unknown driver", cfg: runtimeConfig{StoreDriver: "mysql"}, wantErr: true},
		{name: "redis without addr", cfg: runtimeConfig{LockBackend: lockBackendRedis}, wantErr: true},
		{name: "redis with addr", cfg: runtimeConfig{LockBackend: lockBackendRedis, RedisAddr: "localhost:6379"}},
		{name: "unknown lock", cfg: runtimeConfig{LockBackend: "etcd"}, wantErr: true},
		{name: "negative price", cfg: runtimeConfig{DefaultUnlockPrice: -1}, wantErr: true},
	}
	for _, testCase := range testCases {
		cfg := testCase.cfg
		err := cfg.Validate()
		if testCase.wantErr != (err != nil) {
			test.Fatalf("%s: wantErr=%v, got %v", testCase.name, testCase.wantErr, err)
		}
		if err == nil && (cfg.StoreDriver == "" || cfg.LockBackend == "" || cfg.LockTTL <= 0 || cfg.HealthListenAddr == "") {
			test.Fatalf("%s: expected defaults, got %+v", testCase.name, cfg)
		}
	}
}

func TestResolveDriver(test *testing.T) {
	dir := test.TempDir()
	testCases := []struct {
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{dsn: "postgres://user@localhost/db", wantDriver: "postgres"},
		{dsn: "postgresql://user@localhost/db", wantDriver: "postgres"},
		{dsn: "sqlite://" + filepath.Join(dir, "a.db"), wantDriver: "sqlite", wantPath: filepath.Join(dir, "a.db")},
		{dsn: filepath.Join(dir, "nested", "b.db"), wantDriver: "sqlite", wantPath: filepath.Join(dir, "nested", "b.db")},
		{dsn: ":memory:", wantDriver: "sqlite", wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		driver, path, err := resolveDriver(testCase.dsn)
		if err != nil {
			test.Fatalf("%s: %v", testCase.dsn, err)
		}
		if driver != testCase.wantDriver || path != testCase.wantPath {
			test.Fatalf("%s: got (%s, %s)", testCase.dsn, driver, path)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		test.Fatalf("expected sqlite directory to be created: %v", err)
	}
}

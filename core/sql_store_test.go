package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
)

// openSQLiteForTest serialises access through one connection so concurrent
// tests do not trip shared-cache table locks.
func openSQLiteForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := OpenSQL("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newSQLStoreForTest(t *testing.T, clock *fakeClock) (*SQLStore, *gorm.DB) {
	t.Helper()
	db := openSQLiteForTest(t)
	store, err := NewSQLStore(db, SQLStoreOptions{Now: clock.Now})
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, db
}

func TestSQLStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store, _ := newSQLStoreForTest(t, clock)
		return storeHarness{
			store:   store,
			elapse:  clock.Advance,
			manager: newManagerForTest(t, store, clock),
		}
	})
}

func TestSQLStoreSweepDeletesOnlyElapsedRows(t *testing.T) {
	clock := newFakeClock()
	store, db := newSQLStoreForTest(t, clock)
	ctx := context.Background()

	for token, ttl := range map[string]time.Duration{"short": time.Minute, "used": 5 * time.Minute, "long": 2 * time.Hour} {
		if err := store.Put(ctx, token, Record{Token: token, TargetURL: "https://x/" + token}, ttl); err != nil {
			t.Fatalf("put %s: %v", token, err)
		}
	}
	clock.Advance(2 * time.Minute)

	deleted, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}

	var remaining []tokenRow
	if err := db.Order("token ASC").Find(&remaining).Error; err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	if len(remaining) != 2 || remaining[0].Token != "long" || remaining[1].Token != "used" {
		t.Fatalf("unexpected remaining rows: %+v", remaining)
	}
}

func TestSQLStoreReissueOverwrites(t *testing.T) {
	clock := newFakeClock()
	store, _ := newSQLStoreForTest(t, clock)
	ctx := context.Background()

	first := Record{Token: "t", TargetURL: "https://x/a", CreatedAt: clock.Now()}
	if err := store.Put(ctx, "t", first, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(30 * time.Second)
	second := Record{Token: "t", TargetURL: "https://x/b", CreatedAt: clock.Now()}
	if err := store.Put(ctx, "t", second, time.Hour); err != nil {
		t.Fatalf("re-put: %v", err)
	}

	clock.Advance(10 * time.Minute)
	got, err := store.Get(ctx, "t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TargetURL != "https://x/b" || !got.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("expected overwritten record, got %+v", got)
	}
}

func TestSQLStoreClaimIgnoresExpiredRow(t *testing.T) {
	clock := newFakeClock()
	store, _ := newSQLStoreForTest(t, clock)
	ctx := context.Background()

	if err := store.Put(ctx, "t", Record{Token: "t", TargetURL: "https://x/f"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := store.Claim(ctx, "t", Claim{At: clock.Now()}, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for purged row, got %v", err)
	}
}

func TestSQLStoreScheduledSweep(t *testing.T) {
	clock := newFakeClock()
	db := openSQLiteForTest(t)
	store, err := NewSQLStore(db, SQLStoreOptions{Now: clock.Now, SweepInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, "t", Record{Token: "t", TargetURL: "https://x/f"}, time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(2 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int64
		if err := db.Model(&tokenRow{}).Count(&count).Error; err != nil {
			t.Fatalf("count: %v", err)
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected sweep to remove row, %d remain", count)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQL("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := NewSQLStore(nil, SQLStoreOptions{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestNewManagerClosesSQLOnMigrationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readonly.db")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create db file: %v", err)
	}

	var opened *gorm.DB
	orig := openSQL
	openSQL = func(driver, dsn string) (*gorm.DB, error) {
		db, err := orig(driver, dsn)
		opened = db
		return db, err
	}
	t.Cleanup(func() { openSQL = orig })

	_, err := NewManagerWithOptions(context.Background(), ManagerOptions{
		Backend:   BackendSQL,
		SQLDriver: "sqlite",
		SQLDSN:    "file:" + path + "?mode=ro",
	})
	if err == nil {
		t.Fatal("expected migration on a read-only database to fail")
	}
	if opened == nil {
		t.Fatal("expected the database to have been opened")
	}
	sqlDB, err := opened.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	if err := sqlDB.Ping(); err == nil {
		t.Fatal("expected connection pool to be closed after failed setup")
	}
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// storeHarness exposes a backend plus a way to move its notion of time.
type storeHarness struct {
	store   Store
	elapse  func(d time.Duration)
	manager *Manager
}

func runStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	t.Run("put get delete", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		rec := Record{
			Token:     "k1",
			TargetURL: "https://x/f1",
			CreatedAt: time.Unix(1700000000, 0).UTC(),
			ExpiresAt: time.Unix(1700007200, 0).UTC(),
			Metadata:  map[string]any{"purchase": "p-1"},
		}
		if err := h.store.Put(ctx, "k1", rec, time.Hour); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := h.store.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.TargetURL != rec.TargetURL || got.Used || !got.ExpiresAt.Equal(rec.ExpiresAt) {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.Metadata["purchase"] != "p-1" {
			t.Fatalf("metadata not preserved: %+v", got.Metadata)
		}
		if err := h.store.Delete(ctx, "k1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := h.store.Delete(ctx, "k1"); err != nil {
			t.Fatalf("second delete should be a no-op: %v", err)
		}
		if _, err := h.store.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.store.Put(ctx, "k2", Record{Token: "k2", TargetURL: "https://x/f"}, 2*time.Second); err != nil {
			t.Fatalf("put: %v", err)
		}
		h.elapse(3 * time.Second)
		if _, err := h.store.Get(ctx, "k2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after ttl, got %v", err)
		}
	})

	t.Run("claim once", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.store.Put(ctx, "k3", Record{Token: "k3", TargetURL: "https://x/f"}, time.Hour); err != nil {
			t.Fatalf("put: %v", err)
		}
		c := Claim{At: time.Unix(1700000100, 0).UTC(), RedeemedBy: "192.0.2.10", ID: uuid.New()}
		rec, err := h.store.Claim(ctx, "k3", c, 5*time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !rec.Used || rec.RedeemedBy != "192.0.2.10" || rec.RedemptionID != c.ID.String() {
			t.Fatalf("unexpected claimed record %+v", rec)
		}
		if rec.UsedAt == nil || !rec.UsedAt.Equal(c.At) {
			t.Fatalf("expected used_at %v, got %v", c.At, rec.UsedAt)
		}
		if _, err := h.store.Claim(ctx, "k3", Claim{At: c.At, ID: uuid.New()}, 5*time.Minute); !errors.Is(err, ErrUsed) {
			t.Fatalf("expected ErrUsed on second claim, got %v", err)
		}
		if _, err := h.store.Claim(ctx, "missing", c, 5*time.Minute); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing token, got %v", err)
		}
	})

	t.Run("claim shortens lifetime", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.store.Put(ctx, "k4", Record{Token: "k4", TargetURL: "https://x/f"}, time.Hour); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := h.store.Claim(ctx, "k4", Claim{At: time.Now(), ID: uuid.New()}, 2*time.Second); err != nil {
			t.Fatalf("claim: %v", err)
		}
		got, err := h.store.Get(ctx, "k4")
		if err != nil || !got.Used {
			t.Fatalf("expected used record inside retention, got %+v err=%v", got, err)
		}
		h.elapse(3 * time.Second)
		if _, err := h.store.Get(ctx, "k4"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected record purged after retention, got %v", err)
		}
	})

	t.Run("concurrent redemption", func(t *testing.T) {
		h := newHarness(t)
		assertSingleWinner(t, h.manager)
	})
}

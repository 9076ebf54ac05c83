// Package credentialstest is a conformance suite for credentials.Store
// implementations.
package credentialstest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/authsync-go/credentials"
	"github.com/google/uuid"
)

// StoreFactory creates a fresh Store for one test.
type StoreFactory func(t *testing.T) credentials.Store

// RunStoreTests runs the complete credentials.Store suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Load_EmptySlot", func(t *testing.T) { testEmptySlot(t, factory) })
	t.Run("Save_ThenLoad", func(t *testing.T) { testSaveThenLoad(t, factory) })
	t.Run("Save_Overwrites", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Save_SlotsAreIsolated", func(t *testing.T) { testSlotIsolation(t, factory) })
	t.Run("Save_ExpiredClearsSlot", func(t *testing.T) { testExpired(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
}

func slot() string { return "credentialstest:" + uuid.NewString() }

func testEmptySlot(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Load(context.Background(), slot())
	if !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Load(empty) err = %v, want ErrNotFound", err)
	}
}

func testSaveThenLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	name := slot()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	if err := s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-1", IDToken: "id-1", ExpiresAt: &exp}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Subject != "u1" || got.RefreshToken != "rt-1" || got.IDToken != "id-1" {
		t.Fatalf("Load = %+v", got)
	}
	if got.SavedAt.IsZero() {
		t.Fatal("SavedAt not set")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	name := slot()

	_ = s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-1"})
	if err := s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RefreshToken != "rt-2" {
		t.Fatalf("RefreshToken = %q, want rt-2", got.RefreshToken)
	}
}

func testSlotIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	a, b := slot(), slot()

	_ = s.Save(ctx, a, credentials.Credential{Subject: "a", RefreshToken: "rt-a"})
	if _, err := s.Load(ctx, b); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("slot b err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, b); err != nil {
		t.Fatalf("Delete(b): %v", err)
	}
	if got, err := s.Load(ctx, a); err != nil || got.Subject != "a" {
		t.Fatalf("slot a = %+v, %v", got, err)
	}
}

func testExpired(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	name := slot()

	_ = s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-1"})
	past := time.Now().Add(-time.Minute)
	if err := s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-2", ExpiresAt: &past}); err != nil {
		t.Fatalf("Save(expired): %v", err)
	}
	if _, err := s.Load(ctx, name); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Load after expired save err = %v, want ErrNotFound", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	name := slot()

	_ = s.Save(ctx, name, credentials.Credential{Subject: "u1", RefreshToken: "rt-1"})
	if err := s.Delete(ctx, name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, name); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Load after Delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, name); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

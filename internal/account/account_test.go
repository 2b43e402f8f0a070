package account

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/dukerupert/strongbox/internal/database"
	"github.com/dukerupert/strongbox/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupProvider(t *testing.T) (*Provider, *store.SettingsStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	settings := store.NewSettingsStore(db)
	return NewProvider(settings, testLogger()), settings
}

func TestDeriveKeysDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, 16)

	a, err := DeriveKeys("correct horse", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKeys("correct horse", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(a.BackupKey, b.BackupKey) || a.AccountID != b.AccountID || a.Auth != b.Auth {
		t.Error("same passphrase and salt derived different key material")
	}
	if bytes.Equal(a.BackupKey, a.MediaKey) {
		t.Error("backup key and media key are equal")
	}
	if len(a.BackupKey) != 32 {
		t.Errorf("len(BackupKey) = %d, want 32", len(a.BackupKey))
	}
	if a.Auth.BackupID == "" {
		t.Error("BackupID is empty")
	}

	c, err := DeriveKeys("battery staple", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(a.BackupKey, c.BackupKey) || a.AccountID == c.AccountID {
		t.Error("different passphrases derived the same key material")
	}
}

func TestKeyMaterialNotRegistered(t *testing.T) {
	p, _ := setupProvider(t)

	_, err := p.KeyMaterial(context.Background())
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
	if err := p.Unlock(context.Background(), "anything"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unlock err = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterAndUnlock(t *testing.T) {
	p, settings := setupProvider(t)
	ctx := context.Background()

	if err := p.Register(ctx, "hunter2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	km, err := p.KeyMaterial(ctx)
	if err != nil {
		t.Fatalf("key material: %v", err)
	}

	if err := p.Register(ctx, "hunter2"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second register err = %v, want ErrAlreadyRegistered", err)
	}

	// A fresh provider over the same settings simulates a restart.
	restarted := NewProvider(settings, testLogger())
	if _, err := restarted.KeyMaterial(ctx); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Fatalf("err = %v, want ErrMissingKeyMaterial", err)
	}
	if err := restarted.Unlock(ctx, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("unlock with wrong passphrase err = %v, want ErrWrongPassphrase", err)
	}
	if restarted.Unlocked() {
		t.Error("provider unlocked after wrong passphrase")
	}

	if err := restarted.Unlock(ctx, "hunter2"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := restarted.KeyMaterial(ctx)
	if err != nil {
		t.Fatalf("key material after unlock: %v", err)
	}
	if got.AccountID != km.AccountID || !bytes.Equal(got.BackupKey, km.BackupKey) {
		t.Error("unlocked key material differs from registered key material")
	}

	restarted.Lock()
	if _, err := restarted.KeyMaterial(ctx); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("err after lock = %v, want ErrMissingKeyMaterial", err)
	}
}

func TestRegisterRequiresPassphrase(t *testing.T) {
	p, _ := setupProvider(t)
	if err := p.Register(context.Background(), ""); err == nil {
		t.Error("expected error for empty passphrase")
	}
	registered, err := p.Registered(context.Background())
	if err != nil {
		t.Fatalf("registered: %v", err)
	}
	if registered {
		t.Error("account registered after failed register")
	}
}

func TestKeyMaterialRequiresPrimary(t *testing.T) {
	p, settings := setupProvider(t)
	ctx := context.Background()

	if err := p.Register(ctx, "hunter2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := settings.SetBool(ctx, store.KeyAccountPrimary, false); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if _, err := p.KeyMaterial(ctx); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

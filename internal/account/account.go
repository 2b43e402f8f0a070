// Package account owns registration of the local primary account and the
// key material derived from its passphrase.
package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/dukerupert/strongbox/internal/archive"
	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/store"
)

const (
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

var (
	// ErrNotRegistered means no primary account has been registered here.
	ErrNotRegistered = errors.New("account not registered as primary")
	// ErrMissingKeyMaterial means the account is registered but its
	// passphrase has not been unlocked in this process.
	ErrMissingKeyMaterial = errors.New("backup key material unavailable")
	// ErrAlreadyRegistered is returned by Register for a registered account.
	ErrAlreadyRegistered = errors.New("account already registered")
	// ErrWrongPassphrase is returned by Unlock when the derived key does not
	// match the one recorded at registration.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// Settings is the part of the settings store the provider needs.
type Settings interface {
	AccountRegistration(ctx context.Context) (registered, primary bool, err error)
	RegisterAccount(ctx context.Context, salt, keyCheck string) error
	GetContext(ctx context.Context, key string) (string, error)
}

// Provider derives and caches key material. Derived keys are held in
// memory only.
type Provider struct {
	settings Settings
	logger   *slog.Logger

	mu     sync.RWMutex
	cached *model.KeyMaterial
}

func NewProvider(settings Settings, logger *slog.Logger) *Provider {
	return &Provider{settings: settings, logger: logger.With("component", "account")}
}

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, archive.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKeys derives the backup key, media key and backup id from a
// passphrase and salt. A master key is stretched with Argon2id and split
// with HKDF-SHA256.
func DeriveKeys(passphrase string, salt []byte) (model.KeyMaterial, error) {
	master := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, archive.KeySize)

	backupKey, err := expand(master, "strongbox backup key")
	if err != nil {
		return model.KeyMaterial{}, err
	}
	mediaKey, err := expand(master, "strongbox media key")
	if err != nil {
		return model.KeyMaterial{}, err
	}
	idBytes, err := expand(master, "strongbox backup id")
	if err != nil {
		return model.KeyMaterial{}, err
	}
	accountID := sha256.Sum256(idBytes)

	return model.KeyMaterial{
		AccountID: hex.EncodeToString(accountID[:8]),
		BackupKey: backupKey,
		MediaKey:  mediaKey,
		Salt:      salt,
		Auth:      model.UploadAuth{BackupID: hex.EncodeToString(idBytes[:16])},
	}, nil
}

// keyCheck is a value that confirms a passphrase without revealing keys.
func keyCheck(km model.KeyMaterial) string {
	sum := sha256.Sum256(append([]byte("strongbox key check"), km.BackupKey...))
	return hex.EncodeToString(sum[:])
}

func expand(master []byte, info string) ([]byte, error) {
	out := make([]byte, archive.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

// Register records this device as the primary account holder and unlocks
// it with passphrase.
func (p *Provider) Register(ctx context.Context, passphrase string) error {
	registered, _, err := p.settings.AccountRegistration(ctx)
	if err != nil {
		return fmt.Errorf("read registration: %w", err)
	}
	if registered {
		return ErrAlreadyRegistered
	}
	if passphrase == "" {
		return errors.New("passphrase required")
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	km, err := DeriveKeys(passphrase, salt)
	if err != nil {
		return err
	}
	if err := p.settings.RegisterAccount(ctx, base64.StdEncoding.EncodeToString(salt), keyCheck(km)); err != nil {
		return fmt.Errorf("register account: %w", err)
	}

	p.mu.Lock()
	p.cached = &km
	p.mu.Unlock()

	p.logger.Info("account registered", "account", km.AccountID)
	return nil
}

// Unlock derives key material for the registered account and caches it.
func (p *Provider) Unlock(ctx context.Context, passphrase string) error {
	salt, err := p.salt(ctx)
	if err != nil {
		return err
	}
	km, err := DeriveKeys(passphrase, salt)
	if err != nil {
		return err
	}
	want, err := p.settings.GetContext(ctx, store.KeyAccountKeyCheck)
	if err != nil {
		return fmt.Errorf("read key check: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(keyCheck(km)), []byte(want)) != 1 {
		return ErrWrongPassphrase
	}

	p.mu.Lock()
	p.cached = &km
	p.mu.Unlock()

	p.logger.Info("account unlocked", "account", km.AccountID)
	return nil
}

// Lock forgets cached key material.
func (p *Provider) Lock() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Unlocked reports whether key material is cached.
func (p *Provider) Unlocked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached != nil
}

// KeyMaterial returns the cached key material of the registered primary
// account.
func (p *Provider) KeyMaterial(ctx context.Context) (model.KeyMaterial, error) {
	registered, primary, err := p.settings.AccountRegistration(ctx)
	if err != nil {
		return model.KeyMaterial{}, fmt.Errorf("read registration: %w", err)
	}
	if !registered || !primary {
		return model.KeyMaterial{}, ErrNotRegistered
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return model.KeyMaterial{}, ErrMissingKeyMaterial
	}
	return *p.cached, nil
}

// Registered reports whether a primary account is registered.
func (p *Provider) Registered(ctx context.Context) (bool, error) {
	registered, primary, err := p.settings.AccountRegistration(ctx)
	if err != nil {
		return false, err
	}
	return registered && primary, nil
}

func (p *Provider) salt(ctx context.Context) ([]byte, error) {
	registered, _, err := p.settings.AccountRegistration(ctx)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	if !registered {
		return nil, ErrNotRegistered
	}
	encoded, err := p.settings.GetContext(ctx, store.KeyAccountSalt)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(salt) != archive.SaltSize {
		return nil, fmt.Errorf("stored salt is invalid")
	}
	return salt, nil
}

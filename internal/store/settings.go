package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys.
const (
	KeyAccountRegistered         = "account_registered"
	KeyAccountPrimary            = "account_primary"
	KeyAccountSalt               = "account_salt"
	KeyAccountKeyCheck           = "account_key_check"
	KeyBackupEnabled             = "backup_enabled"
	KeyBackupScheduleHour        = "backup_schedule_hour"
	KeyBackupCellularAllowed     = "backup_cellular_allowed"
	KeyMediaTierCapacityConsumed = "media_tier_capacity_consumed"
	KeyOptimizeLocalStorage      = "optimize_local_storage"
	KeyLowPowerMode              = "low_power_mode"
)

var backupKeys = []string{
	KeyBackupEnabled,
	KeyBackupScheduleHour,
	KeyBackupCellularAllowed,
	KeyMediaTierCapacityConsumed,
	KeyOptimizeLocalStorage,
	KeyLowPowerMode,
}

// ErrSettingNotFound is returned when a key has never been written.
var ErrSettingNotFound = errors.New("setting not found")

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(key string) (string, error) {
	return s.GetContext(context.Background(), key)
}

func (s *SettingsStore) GetContext(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting %q: %w", key, ErrSettingNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *SettingsStore) GetAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("get all settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *SettingsStore) Set(key, value string) error {
	return s.SetContext(context.Background(), key, value)
}

func (s *SettingsStore) SetContext(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetBackupSettings returns the user-facing backup settings that exist.
func (s *SettingsStore) GetBackupSettings() (map[string]string, error) {
	settings := make(map[string]string)
	for _, key := range backupKeys {
		var value string
		err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get backup setting %q: %w", key, err)
		}
		settings[key] = value
	}
	return settings, nil
}

// Bool reads a boolean setting. A missing key reads as false.
func (s *SettingsStore) Bool(ctx context.Context, key string) (bool, error) {
	v, err := s.GetContext(ctx, key)
	if errors.Is(err, ErrSettingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse setting %q: %w", key, err)
	}
	return b, nil
}

func (s *SettingsStore) SetBool(ctx context.Context, key string, v bool) error {
	return s.SetContext(ctx, key, strconv.FormatBool(v))
}

func (s *SettingsStore) CellularUploadsAllowed(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyBackupCellularAllowed)
}

func (s *SettingsStore) MediaTierCapacityConsumed(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyMediaTierCapacityConsumed)
}

func (s *SettingsStore) OptimizeLocalStorage(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyOptimizeLocalStorage)
}

func (s *SettingsStore) LowPowerMode(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyLowPowerMode)
}

func (s *SettingsStore) BackupEnabled(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyBackupEnabled)
}

// ScheduleHour returns the local hour (0-23) at which scheduled backups run.
func (s *SettingsStore) ScheduleHour(ctx context.Context) (int, error) {
	v, err := s.GetContext(ctx, KeyBackupScheduleHour)
	if err != nil {
		return 0, err
	}
	h, err := strconv.Atoi(v)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid schedule hour %q", v)
	}
	return h, nil
}

// AccountRegistration returns the registration flags of the local account.
func (s *SettingsStore) AccountRegistration(ctx context.Context) (registered, primary bool, err error) {
	if registered, err = s.Bool(ctx, KeyAccountRegistered); err != nil {
		return false, false, err
	}
	if primary, err = s.Bool(ctx, KeyAccountPrimary); err != nil {
		return false, false, err
	}
	return registered, primary, nil
}

// RegisterAccount marks the local account as a registered primary and
// stores its key derivation salt and key check value in one transaction.
func (s *SettingsStore) RegisterAccount(ctx context.Context, salt, keyCheck string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, kv := range [][2]string{
		{KeyAccountSalt, salt},
		{KeyAccountKeyCheck, keyCheck},
		{KeyAccountRegistered, "true"},
		{KeyAccountPrimary, "true"},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			kv[0], kv[1], now,
		); err != nil {
			return fmt.Errorf("register account: %w", err)
		}
	}
	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/strongbox/internal/model"
)

// BackupExportCollection is the job_state collection owned by the backup
// export job.
const BackupExportCollection = "BackupExportJob"

const (
	keyResumptionPoint = "resumption_point"
	keyFailuresPrefix  = "failures_"
)

// JobStore persists cross-run state of the backup export job: where the
// next run resumes and how often runs have failed.
type JobStore struct {
	db         *sql.DB
	collection string
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, collection: BackupExportCollection}
}

func (s *JobStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM job_state WHERE collection = ? AND key = ?`, s.collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get job state %q: %w", key, err)
	}
	return value, true, nil
}

// ResumptionPoint returns the persisted resumption point. A store that was
// never written resumes from the beginning; an unrecognized value is an
// error.
func (s *JobStore) ResumptionPoint(ctx context.Context) (model.ResumptionPoint, error) {
	v, ok, err := s.get(ctx, keyResumptionPoint)
	if err != nil {
		return "", err
	}
	if !ok {
		return model.ResumptionBeginning, nil
	}
	p, err := model.ParseResumptionPoint(v)
	if err != nil {
		return "", fmt.Errorf("read resumption point: %w", err)
	}
	return p, nil
}

func (s *JobStore) SetResumptionPoint(ctx context.Context, p model.ResumptionPoint) error {
	if _, err := model.ParseResumptionPoint(string(p)); err != nil {
		return fmt.Errorf("set resumption point: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_state (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.collection, keyResumptionPoint, string(p), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set resumption point: %w", err)
	}
	return nil
}

// IncrementFailureCount adds one to the counter for kind.
func (s *JobStore) IncrementFailureCount(ctx context.Context, kind model.FailureKind) error {
	switch kind {
	case model.FailureBackground, model.FailureInteractive:
	default:
		return fmt.Errorf("unknown failure kind %q", kind)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_state (collection, key, value, updated_at) VALUES (?, ?, '1', ?)
		 ON CONFLICT(collection, key) DO UPDATE SET
		   value = CAST(CAST(job_state.value AS INTEGER) + 1 AS TEXT),
		   updated_at = excluded.updated_at`,
		s.collection, keyFailuresPrefix+string(kind), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("increment %s failure count: %w", kind, err)
	}
	return nil
}

func (s *JobStore) FailureCounts(ctx context.Context) (model.FailureCounts, error) {
	var counts model.FailureCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, CAST(value AS INTEGER) FROM job_state WHERE collection = ? AND key IN (?, ?)`,
		s.collection, keyFailuresPrefix+string(model.FailureBackground), keyFailuresPrefix+string(model.FailureInteractive),
	)
	if err != nil {
		return counts, fmt.Errorf("get failure counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return counts, fmt.Errorf("scan failure count: %w", err)
		}
		switch model.FailureKind(key[len(keyFailuresPrefix):]) {
		case model.FailureBackground:
			counts.Background = n
		case model.FailureInteractive:
			counts.Interactive = n
		}
	}
	return counts, rows.Err()
}

// ResetFailureCounts zeroes both failure counters.
func (s *JobStore) ResetFailureCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_state WHERE collection = ? AND key IN (?, ?)`,
		s.collection, keyFailuresPrefix+string(model.FailureBackground), keyFailuresPrefix+string(model.FailureInteractive),
	)
	if err != nil {
		return fmt.Errorf("reset failure counts: %w", err)
	}
	return nil
}

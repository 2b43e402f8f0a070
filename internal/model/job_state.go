package model

import "fmt"

// ResumptionPoint records how far a previous export run got.
type ResumptionPoint string

const (
	// ResumptionBeginning means the next run starts with a fresh export.
	ResumptionBeginning ResumptionPoint = "beginning"
	// ResumptionPostBackupFile means the backup file was exported and
	// uploaded; only attachment work remains.
	ResumptionPostBackupFile ResumptionPoint = "post_backup_file"
)

// ParseResumptionPoint parses a persisted resumption point.
func ParseResumptionPoint(s string) (ResumptionPoint, error) {
	switch p := ResumptionPoint(s); p {
	case ResumptionBeginning, ResumptionPostBackupFile:
		return p, nil
	}
	return "", fmt.Errorf("unknown resumption point %q", s)
}

// FailureKind selects which failure counter a failed run increments.
type FailureKind string

const (
	FailureBackground  FailureKind = "background"
	FailureInteractive FailureKind = "interactive"
)

type FailureCounts struct {
	Background  int64 `json:"background"`
	Interactive int64 `json:"interactive"`
}

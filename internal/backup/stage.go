// Package backup runs the backup export pipeline: export an encrypted
// snapshot, upload it, then bring attachment media in the remote tier up to
// date. Job runs one pass; Runner makes sure at most one pass runs at a time
// and streams its progress to observers.
package backup

import "github.com/dukerupert/strongbox/internal/progress"

// Stage is one phase of an export run. Stages run in the order of Stages.
type Stage string

const (
	StageBackupFileExport     Stage = "backup_file_export"
	StageBackupFileUpload     Stage = "backup_file_upload"
	StageAttachmentUpload     Stage = "attachment_upload"
	StageAttachmentProcessing Stage = "attachment_processing"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageBackupFileExport,
	StageBackupFileUpload,
	StageAttachmentUpload,
	StageAttachmentProcessing,
}

// UnitCount is the stage's relative weight.
func (s Stage) UnitCount() int64 {
	switch s {
	case StageBackupFileExport:
		return 95
	case StageBackupFileUpload:
		return 5
	default:
		return 1
	}
}

// Percent blends the export and upload fractions of a snapshot into a
// single backup file percentage in [0, 100], weighted by UnitCount.
func Percent(s progress.Snapshot[Stage]) float64 {
	export, _ := s.Fraction(StageBackupFileExport)
	upload, _ := s.Fraction(StageBackupFileUpload)
	we := float64(StageBackupFileExport.UnitCount())
	wu := float64(StageBackupFileUpload.UnitCount())
	return 100 * (we*export + wu*upload) / (we + wu)
}

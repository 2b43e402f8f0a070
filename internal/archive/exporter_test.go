package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/strongbox/internal/database"
	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/progress"
)

type stage string

const exportStage stage = "export"

func setupExporter(t *testing.T) (*Exporter, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "strongbox.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`INSERT INTO settings (key, value) VALUES ('note', ?)`, strings.Repeat("strongbox ", 2000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out := filepath.Join(dir, "exports")
	e := NewExporter(db, out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC) }
	return e, out
}

func testKeyMaterial(t *testing.T) model.KeyMaterial {
	key, salt := testKey(t)
	return model.KeyMaterial{AccountID: "acct", BackupKey: key, Salt: salt}
}

func TestExportProducesVerifiableArtifact(t *testing.T) {
	e, out := setupExporter(t)
	km := testKeyMaterial(t)

	var last progress.Snapshot[stage]
	tracker := progress.New([]stage{exportStage}, func(s progress.Snapshot[stage]) { last = s })

	meta, err := e.Export(context.Background(), km, model.PurposeRemoteBackup, tracker.Child(exportStage))
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if meta.Filename != "backup-2026-05-01T030000.000Z.sbx" {
		t.Errorf("filename = %q", meta.Filename)
	}
	if meta.Path != filepath.Join(out, meta.Filename) {
		t.Errorf("path = %q", meta.Path)
	}
	if meta.Purpose != model.PurposeRemoteBackup {
		t.Errorf("purpose = %q, want %q", meta.Purpose, model.PurposeRemoteBackup)
	}
	info, err := os.Stat(meta.Path)
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if info.Size() != meta.SizeBytes {
		t.Errorf("size = %d, want %d", meta.SizeBytes, info.Size())
	}
	if len(meta.Digest) != 64 {
		t.Errorf("digest = %q, want hex sha256", meta.Digest)
	}

	if f, ok := last.Fraction(exportStage); !ok || f != 1 {
		t.Errorf("export fraction = %v, %v; want 1, true", f, ok)
	}

	// Only the artifact remains in the export dir.
	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		t.Errorf("export dir holds %d entries, want 1", len(entries))
	}

	restored := filepath.Join(t.TempDir(), "restored.db")
	if err := Extract(context.Background(), meta.Path, restored, km.BackupKey); err != nil {
		t.Fatalf("extract: %v", err)
	}
	restoredDB, err := database.Open(restored)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restoredDB.Close()
	var note string
	if err := restoredDB.QueryRow(`SELECT value FROM settings WHERE key = 'note'`).Scan(&note); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if !strings.HasPrefix(note, "strongbox ") {
		t.Errorf("restored note = %q", note[:20])
	}
}

func TestExportRejectsMissingKey(t *testing.T) {
	e, _ := setupExporter(t)

	_, err := e.Export(context.Background(), model.KeyMaterial{}, model.PurposeRemoteBackup, nil)
	if err == nil {
		t.Fatal("expected error without key material")
	}
}

func TestExportCancelled(t *testing.T) {
	e, out := setupExporter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Export(ctx, testKeyMaterial(t), model.PurposeRemoteBackup, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Errorf("export dir holds %d entries after cancel, want 0", len(entries))
	}
}

func TestExtractWrongKey(t *testing.T) {
	e, _ := setupExporter(t)
	meta, err := e.Export(context.Background(), testKeyMaterial(t), model.PurposeLocalExport, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	other, _ := testKey(t)
	if err := Extract(context.Background(), meta.Path, filepath.Join(t.TempDir(), "x.db"), other); err == nil {
		t.Fatal("expected error extracting with wrong key")
	}
}

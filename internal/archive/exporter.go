// Package archive produces and reads encrypted backup artifacts: a
// consistent snapshot of the SQLite database, zstd compressed and sealed
// with AES-256-GCM.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/progress"
)

// Extension is the file extension of backup artifacts.
const Extension = ".sbx"

const (
	snapshotUnits = 10
	compressUnits = 100
	encryptUnits  = 10
)

// Exporter writes encrypted backup artifacts of db into dir.
type Exporter struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func NewExporter(db *sql.DB, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{
		db:     db,
		dir:    dir,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}
}

// Export snapshots the database and writes an encrypted artifact.
// Compression dominates the reported progress.
func (e *Exporter) Export(ctx context.Context, key model.KeyMaterial, purpose model.Purpose, sink *progress.Sink) (model.UploadMetadata, error) {
	if len(key.BackupKey) != KeySize {
		return model.UploadMetadata{}, fmt.Errorf("export: backup key has %d bytes, want %d", len(key.BackupKey), KeySize)
	}
	if err := os.MkdirAll(e.dir, 0700); err != nil {
		return model.UploadMetadata{}, fmt.Errorf("create export dir: %w", err)
	}

	createdAt := e.now().UTC()
	stamp := createdAt.Format("2006-01-02T150405.000Z")
	filename := fmt.Sprintf("backup-%s%s", stamp, Extension)
	snapshot := filepath.Join(e.dir, "snapshot-"+stamp+".db")
	compressed := snapshot + ".zst"
	final := filepath.Join(e.dir, filename)
	defer os.Remove(snapshot)
	defer os.Remove(compressed)

	sink.AddUnits(snapshotUnits + compressUnits + encryptUnits)
	if err := e.snapshot(ctx, snapshot); err != nil {
		return model.UploadMetadata{}, err
	}
	sink.CompleteUnits(snapshotUnits)

	info, err := os.Stat(snapshot)
	if err != nil {
		return model.UploadMetadata{}, fmt.Errorf("stat snapshot: %w", err)
	}

	if err := compressFile(ctx, snapshot, info.Size(), compressed, sink); err != nil {
		return model.UploadMetadata{}, err
	}

	if err := ctx.Err(); err != nil {
		return model.UploadMetadata{}, err
	}
	if err := EncryptFile(compressed, final, key.BackupKey, key.Salt); err != nil {
		return model.UploadMetadata{}, fmt.Errorf("encrypt: %w", err)
	}

	digest, size, err := fileDigest(final)
	if err != nil {
		os.Remove(final)
		return model.UploadMetadata{}, err
	}
	sink.CompleteUnits(encryptUnits)

	e.logger.Info("backup exported",
		"file", filename,
		"snapshot", humanize.Bytes(uint64(info.Size())),
		"artifact", humanize.Bytes(uint64(size)),
		"purpose", purpose,
	)

	return model.UploadMetadata{
		Path:      final,
		Filename:  filename,
		SizeBytes: size,
		Digest:    digest,
		Purpose:   purpose,
		CreatedAt: createdAt,
	}, nil
}

func (e *Exporter) snapshot(ctx context.Context, path string) error {
	if _, err := e.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func compressFile(ctx context.Context, srcPath string, size int64, dstPath string, sink *progress.Sink) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	src := &progressReader{ctx: ctx, r: in, sink: sink, size: size, units: compressUnits}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	src.finish()
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	return out.Close()
}

// progressReader spreads units over size bytes as they are read and stops
// reading once ctx is done.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	sink  *progress.Sink
	size  int64
	units int64

	read      int64
	completed int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 && p.size > 0 {
		p.read += int64(n)
		due := min(p.read*p.units/p.size, p.units)
		if due > p.completed {
			p.sink.CompleteUnits(due - p.completed)
			p.completed = due
		}
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.completed < p.units {
		p.sink.CompleteUnits(p.units - p.completed)
		p.completed = p.units
	}
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Extract decrypts and decompresses an artifact into a SQLite file at
// dstPath and checks its integrity.
func Extract(ctx context.Context, srcPath, dstPath string, key []byte) error {
	compressed := dstPath + ".zst"
	defer os.Remove(compressed)

	if err := DecryptFile(srcPath, compressed, key); err != nil {
		return err
	}

	in, err := os.Open(compressed)
	if err != nil {
		return fmt.Errorf("open decrypted file: %w", err)
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create restored file: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return fmt.Errorf("decompress: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close restored file: %w", err)
	}

	return checkIntegrity(ctx, dstPath)
}

// ErrCorrupt is returned when an extracted database fails its integrity check.
var ErrCorrupt = errors.New("integrity check failed")

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, integrity)
	}
	return nil
}

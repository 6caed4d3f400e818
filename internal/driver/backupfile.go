package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// backup.yml (spec.md §6) is a YAML list of BackupRecord rows, one host
// directory to a file — the same hand-rolled-protobuf BackupRecord type
// wire/messages.go already carries over the network, mirrored here into
// a yaml-tagged shape, matching how internal/pool/refcnt.go keeps
// statistics.yml/history.yml as a separate YAML projection rather than
// reusing a wire.Message envelope for an operator-facing file.

type backupCountsYAML struct {
	Count          uint64 `yaml:"count"`
	Size           uint64 `yaml:"size"`
	CompressedSize uint64 `yaml:"compressed_size"`
}

func toCountsYAML(c *wire.BackupCounts) backupCountsYAML {
	if c == nil {
		return backupCountsYAML{}
	}
	return backupCountsYAML{Count: c.Count, Size: c.Size, CompressedSize: c.CompressedSize}
}

func (c backupCountsYAML) toWire() *wire.BackupCounts {
	return &wire.BackupCounts{Count: c.Count, Size: c.Size, CompressedSize: c.CompressedSize}
}

type backupRecordYAML struct {
	Number           uint32           `yaml:"number"`
	Completed        bool             `yaml:"completed"`
	StartDate        time.Time        `yaml:"start_date"`
	EndDate          time.Time        `yaml:"end_date,omitempty"`
	FileCount        uint64           `yaml:"file_count"`
	New              backupCountsYAML `yaml:"new"`
	Existing         backupCountsYAML `yaml:"existing"`
	Modified         backupCountsYAML `yaml:"modified"`
	Removed          backupCountsYAML `yaml:"removed"`
	ErrorCount       uint64           `yaml:"error_count"`
	SpeedBytesPerSec uint64           `yaml:"speed_bytes_per_sec"`
}

func toRecordYAML(r *wire.BackupRecord) backupRecordYAML {
	y := backupRecordYAML{
		Number: r.Number, Completed: r.Completed, FileCount: r.FileCount,
		New: toCountsYAML(r.New), Existing: toCountsYAML(r.Existing),
		Modified: toCountsYAML(r.Modified), Removed: toCountsYAML(r.Removed),
		ErrorCount: r.ErrorCount, SpeedBytesPerSec: r.SpeedBytesPerSec,
	}
	if r.StartDate != 0 {
		y.StartDate = time.Unix(r.StartDate, 0).UTC()
	}
	if r.EndDate != 0 {
		y.EndDate = time.Unix(r.EndDate, 0).UTC()
	}
	return y
}

func (y backupRecordYAML) toWire() *wire.BackupRecord {
	r := &wire.BackupRecord{
		Number: y.Number, Completed: y.Completed, FileCount: y.FileCount,
		New: y.New.toWire(), Existing: y.Existing.toWire(),
		Modified: y.Modified.toWire(), Removed: y.Removed.toWire(),
		ErrorCount: y.ErrorCount, SpeedBytesPerSec: y.SpeedBytesPerSec,
	}
	if !y.StartDate.IsZero() {
		r.StartDate = y.StartDate.Unix()
	}
	if !y.EndDate.IsZero() {
		r.EndDate = y.EndDate.Unix()
	}
	return r
}

func backupFilePath(hostDir string) string { return filepath.Join(hostDir, "backup.yml") }

// loadBackupRecords reads hosts/<host>/backup.yml. A missing file means
// this host has no backups yet, not an error.
func loadBackupRecords(hostDir string) ([]*wire.BackupRecord, error) {
	path := backupFilePath(hostDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var rows []backupRecordYAML
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	records := make([]*wire.BackupRecord, len(rows))
	for i, y := range rows {
		records[i] = y.toWire()
	}
	return records, nil
}

// upsertBackupRecord replaces the row with the same Number, or appends
// it, and atomically rewrites the whole file (spec.md §4.10 step 10).
func upsertBackupRecord(hostDir string, rec *wire.BackupRecord) error {
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("creating host directory: %w", err)
	}
	records, err := loadBackupRecords(hostDir)
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range records {
		if r.Number == rec.Number {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}

	rows := make([]backupRecordYAML, len(records))
	for i, r := range records {
		rows[i] = toRecordYAML(r)
	}
	data, err := yaml.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshaling backup.yml: %w", err)
	}

	path := backupFilePath(hostDir)
	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}

// NextBackupNumber returns one past the highest Number recorded for
// hostDir, or 0 if this host has no backups yet.
func NextBackupNumber(hostDir string) (uint32, error) {
	records, err := loadBackupRecords(hostDir)
	if err != nil {
		return 0, err
	}
	var max uint32
	found := false
	for _, r := range records {
		if !found || r.Number > max {
			max = r.Number
			found = true
		}
	}
	if !found {
		return 0, nil
	}
	return max + 1, nil
}

// writeSharesYAML persists the list of shares included in one backup
// directory's "shares.yml" (spec.md §6 per-backup layout).
func writeSharesYAML(backupDir string, shares []string) error {
	data, err := yaml.Marshal(shares)
	if err != nil {
		return fmt.Errorf("marshaling shares.yml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(backupDir, "shares.yml"), data, 0o644); err != nil {
		return fmt.Errorf("writing shares.yml: %w", err)
	}
	return nil
}

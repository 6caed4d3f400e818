// Package driver implements the server-side backup driver (C10): the
// sequential ten-phase orchestration of one host×backup_number session
// described in spec.md §4.10, generic over the internal/rpc.Client
// contract so the same driver runs against a real agent connection or,
// per spec.md §9, an importer's local reader with no agent in the loop.
package driver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chunkvault/chunkvault/internal/manifest"
	"github.com/chunkvault/chunkvault/internal/pool"
	"github.com/chunkvault/chunkvault/internal/rpc"
	"github.com/chunkvault/chunkvault/internal/transport"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// DefaultMaxBackupSeconds is the spec.md §5 default whole-backup
// deadline, used when Options.MaxBackupSeconds is zero.
const DefaultMaxBackupSeconds = 12 * time.Hour

// ProgressFunc reports incremental byte progress during CreateBackup.
// May be nil.
type ProgressFunc func(path string, bytesTransferred uint64)

// Options configures one host×backup_number driver run.
type Options struct {
	Hostname string
	BackupNumber uint32

	// PoolPath is the shared chunk pool root.
	PoolPath string
	// MinFreeBytes, if nonzero, is the free-space floor CreateBackup
	// enforces before staging each downloaded chunk (spec.md §4.3).
	MinFreeBytes uint64
	// HostDir is "<pool's hosts dir>/<hostname>".
	HostDir string
	// PrevBackupDir is the previous completed backup's directory for
	// this host, or "" if this host has no previous backup.
	PrevBackupDir string

	Shares []string

	Client rpc.Client

	// FakeDate anchors start/end dates to a historical instant instead
	// of the wall clock (spec.md §4.10), used by importers.
	FakeDate time.Time

	// MaxBackupSeconds bounds the whole Run call; 0 means
	// DefaultMaxBackupSeconds.
	MaxBackupSeconds time.Duration

	Log *slog.Logger
}

// Driver represents one in-progress host×backup_number session. Phases
// are invoked in order by Run; an importer replaying a different
// control flow may call the phase methods directly, in the same order,
// respecting each phase's preconditions.
type Driver struct {
	opts      Options
	backupDir string
	clock     *clock
	log       *slog.Logger

	refcntMu sync.Mutex
	refcnt   *pool.Store

	record *wire.BackupRecord

	transferStart time.Time
	transferEnd   time.Time

	pendingSync     map[string]iter.Seq2[*wire.JournalEntry, error]
	filelistEntries map[string][]*wire.JournalEntry
}

// New prepares a driver for one backup. It touches neither disk nor the
// network; call Run, or the individual phase methods, to do that.
func New(opts Options) *Driver {
	if opts.MaxBackupSeconds <= 0 {
		opts.MaxBackupSeconds = DefaultMaxBackupSeconds
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		opts:            opts,
		backupDir:       filepath.Join(opts.HostDir, fmt.Sprintf("%d", opts.BackupNumber)),
		clock:           newClock(opts.FakeDate),
		log:             log,
		pendingSync:     map[string]iter.Seq2[*wire.JournalEntry, error]{},
		filelistEntries: map[string][]*wire.JournalEntry{},
	}
}

// Record returns the backup record as of the last SaveBackup call (or
// InitBackupDirectory's initial persist).
func (d *Driver) Record() *wire.BackupRecord { return d.record }

// Refcnt exposes the per-backup refcnt delta built by Compact and
// finished by CountReferences, so an upstream caller can fold the same
// delta into the pool-level store once CountReferences has folded it
// into the host-level one (spec.md §4.10 step 9: "upstream callers then
// do the same from host → pool").
func (d *Driver) Refcnt() *pool.Store { return d.refcnt }

func (d *Driver) logf(format string, args ...any) {
	d.log.Warn(fmt.Sprintf(format, args...))
}

// Run executes the phases of spec.md §4.10 in order, under one
// max_backup_seconds deadline; ExecuteCommand is not part of it. An
// error from any share's upload, sync or download phase ends the run and
// the remaining shares are not processed. A failed Authenticate returns
// before any record exists; from InitBackupDirectory on, the backup is
// left with a persisted record — complete only if every phase reached
// save_backup.
func (d *Driver) Run(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.MaxBackupSeconds)
	defer cancel()

	abort := func(err error) error {
		_ = d.Close(ctx)
		if serr := d.SaveBackup(false); serr != nil {
			d.logf("run: saving incomplete backup record: %v", serr)
		}
		return err
	}

	if err := d.Authenticate(ctx, token); err != nil {
		return err
	}
	if err := d.InitBackupDirectory(); err != nil {
		return err
	}

	for _, share := range d.opts.Shares {
		if err := d.UploadFileList(ctx, share); err != nil {
			return abort(err)
		}
		if err := d.SynchronizeFileList(ctx, share); err != nil {
			return abort(err)
		}
		if err := d.CreateBackup(ctx, share, nil); err != nil {
			return abort(err)
		}
	}

	_ = d.Close(ctx)

	for _, share := range d.opts.Shares {
		if err := d.Compact(share); err != nil {
			if serr := d.SaveBackup(false); serr != nil {
				d.logf("run: saving incomplete backup record: %v", serr)
			}
			return err
		}
	}
	if err := d.CountReferences(); err != nil {
		if serr := d.SaveBackup(false); serr != nil {
			d.logf("run: saving incomplete backup record: %v", serr)
		}
		return err
	}
	return d.SaveBackup(true)
}

// Authenticate is phase 1: delegate to the transport collaborator. No
// backup-state side effect.
func (d *Driver) Authenticate(ctx context.Context, token string) error {
	if _, err := d.opts.Client.Authenticate(ctx, token, 0); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// InitBackupDirectory is phase 2: clone the previous backup's compacted
// manifest for each share, start an empty per-backup refcnt, and
// persist an incomplete backup record.
func (d *Driver) InitBackupDirectory() error {
	if err := ensureDir(d.backupDir); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	for _, share := range d.opts.Shares {
		if d.opts.PrevBackupDir == "" {
			continue
		}
		if err := manifest.Seed(d.opts.PrevBackupDir, d.backupDir, share); err != nil {
			return fmt.Errorf("seeding manifest for share %q: %w", share, err)
		}
	}
	if err := writeSharesYAML(d.backupDir, d.opts.Shares); err != nil {
		return err
	}

	d.refcnt = pool.NewStore(d.backupDir)
	d.record = &wire.BackupRecord{
		Number:    d.opts.BackupNumber,
		Completed: false,
		StartDate: d.clock.now().Unix(),
		New:       &wire.BackupCounts{},
		Existing:  &wire.BackupCounts{},
		Modified:  &wire.BackupCounts{},
		Removed:   &wire.BackupCounts{},
	}
	return d.SaveBackup(false)
}

// ExecuteCommand is phase 3: pass through, no state change.
func (d *Driver) ExecuteCommand(ctx context.Context, command string) (exit int32, stdout, stderr []byte, err error) {
	return d.opts.Client.ExecuteCommand(ctx, command)
}

// UploadFileList is phase 4: build a refresh-cache stream (Header, then
// every entry of the seeded manifest) for share and start the
// corresponding SyncFileList call. The returned journal stream is
// consumed by SynchronizeFileList.
func (d *Driver) UploadFileList(ctx context.Context, share string) error {
	idx, err := manifest.New(d.backupDir, share).LoadIndex()
	if err != nil {
		return fmt.Errorf("loading seeded manifest for share %q: %w", share, err)
	}

	items := func(yield func(*wire.RefreshCacheItem) bool) {
		if !yield(&wire.RefreshCacheItem{Header: &wire.ShareHeader{Share: share}}) {
			return
		}
		for _, e := range idx.Walk() {
			if !yield(&wire.RefreshCacheItem{Manifest: e.Manifest}) {
				return
			}
		}
	}

	journal, err := d.opts.Client.SyncFileList(ctx, items)
	if err != nil {
		return fmt.Errorf("SyncFileList for share %q: %w", share, err)
	}
	d.pendingSync[share] = journal
	return nil
}

// SynchronizeFileList is phase 5: consume the journal stream
// UploadFileList started, writing every entry into "<share>.filelist"
// and accumulating per-kind file/byte counters.
func (d *Driver) SynchronizeFileList(ctx context.Context, share string) error {
	journal, ok := d.pendingSync[share]
	if !ok {
		return fmt.Errorf("driver: SynchronizeFileList(%q) called without a preceding UploadFileList", share)
	}
	delete(d.pendingSync, share)

	if d.transferStart.IsZero() {
		d.transferStart = d.clock.now()
	}

	fw, err := manifest.New(d.backupDir, share).FilelistWriter()
	if err != nil {
		return fmt.Errorf("opening filelist for share %q: %w", share, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = fw.Cancel()
		}
	}()

	var entries []*wire.JournalEntry
	for entry, ferr := range journal {
		if ferr != nil {
			return fmt.Errorf("reading journal stream for share %q: %w", share, ferr)
		}
		if err := fw.Write(entry); err != nil {
			return fmt.Errorf("writing filelist entry for share %q: %w", share, err)
		}
		d.accumulate(entry)
		entries = append(entries, entry)
	}
	if err := fw.Flush(); err != nil {
		return fmt.Errorf("flushing filelist for share %q: %w", share, err)
	}
	committed = true
	d.filelistEntries[share] = entries
	return nil
}

// accumulate folds one journal entry into the per-kind BackupCounts
// (spec.md §4.10 step 5). Existing (unchanged, carried-over) entries
// are counted separately, in Compact, since unmodified files never
// produce a journal entry in the first place.
func (d *Driver) accumulate(entry *wire.JournalEntry) {
	d.record.FileCount++
	var size uint64
	if entry.Manifest != nil && entry.Manifest.Stat != nil {
		size = entry.Manifest.Stat.Size
	}
	var bucket *wire.BackupCounts
	switch entry.Kind {
	case wire.JournalAdd:
		bucket = d.record.New
	case wire.JournalModify:
		bucket = d.record.Modified
	case wire.JournalRemove:
		bucket = d.record.Removed
	default:
		return
	}
	bucket.Count++
	bucket.Size += size
}

// CreateBackup is phase 6: for every non-Remove, non-special filelist
// entry, run the download algorithm (spec.md §4.8), rewrite the entry
// with its resolved chunks and whole-file hash, and persist it into
// the share's journal. A transport-fatal error aborts the phase; any
// other download error increments error_count and continues to the
// next entry.
func (d *Driver) CreateBackup(ctx context.Context, share string, progress ProgressFunc) error {
	entries := d.filelistEntries[share]
	appender, err := manifest.NewJournalAppender(manifest.New(d.backupDir, share))
	if err != nil {
		return fmt.Errorf("opening journal for share %q: %w", share, err)
	}

	var transferred uint64
	for _, entry := range entries {
		if entry.Kind == wire.JournalRemove {
			if err := appender.Append(entry); err != nil {
				return fmt.Errorf("appending removed entry for share %q: %w", share, err)
			}
			continue
		}
		if entry.Manifest == nil || entry.Manifest.Stat == nil || entry.Manifest.Stat.Type != wire.FileTypeRegular {
			// Directories, symlinks, devices, etc: no chunk payload to
			// fetch, carry the entry through unchanged.
			if err := appender.Append(entry); err != nil {
				return fmt.Errorf("appending non-regular entry for share %q: %w", share, err)
			}
			continue
		}

		wholeHash, chunkHashes, derr := transport.DownloadFile(ctx, d.opts.Client, d.opts.PoolPath, d.opts.MinFreeBytes, entry.Manifest.Path)
		if derr != nil {
			var rerr *rpc.Error
			if errors.As(derr, &rerr) && rerr.IsFatal() {
				return fmt.Errorf("create_backup aborted for share %q: %w", share, derr)
			}
			d.record.ErrorCount++
			entry.State = wire.StateError
			entry.StateMessages = append(entry.StateMessages, derr.Error())
			if err := appender.Append(entry); err != nil {
				return fmt.Errorf("appending error entry for share %q: %w", share, err)
			}
			continue
		}

		entry.Manifest.Hash = append([]byte(nil), wholeHash[:]...)
		entry.Manifest.Chunks = entry.Manifest.Chunks[:0]
		for _, h := range chunkHashes {
			entry.Manifest.Chunks = append(entry.Manifest.Chunks, append([]byte(nil), h[:]...))
		}
		entry.State = wire.StateChunks
		if err := appender.Append(entry); err != nil {
			return fmt.Errorf("appending resolved entry for share %q: %w", share, err)
		}

		if progress != nil {
			transferred += entry.Manifest.Stat.Size
			progress(string(entry.Manifest.Path), transferred)
		}
	}
	return nil
}

// Close is phase 7: best-effort CloseBackup, always recording the
// transfer end time. Never returns an error — a failed CloseBackup is
// logged, not propagated, per spec.md §4.10.
func (d *Driver) Close(ctx context.Context) error {
	d.transferEnd = d.clock.now()
	if d.opts.Client == nil {
		return nil
	}
	if err := d.opts.Client.CloseBackup(ctx); err != nil {
		d.logf("close: CloseBackup: %v", err)
	}
	return nil
}

// Compact is phase 8: run manifest compaction for share, folding every
// surviving entry's chunks into the per-backup refcnt (+1 each,
// size-agnostic until resolved from the pool sidecar) and counting
// carried-over (never touched this backup) entries into Existing.
func (d *Driver) Compact(share string) error {
	touched := map[string]bool{}
	for _, e := range d.filelistEntries[share] {
		if e.Manifest != nil {
			touched[string(e.Manifest.Path)] = true
		}
	}

	onEntry := func(m *wire.FileManifest) {
		if !touched[string(m.Path)] {
			d.record.Existing.Count++
			if m.Stat != nil {
				d.record.Existing.Size += m.Stat.Size
			}
		}
		for _, h := range m.Chunks {
			var hash [32]byte
			copy(hash[:], h)
			entry := &wire.RefcntEntry{Sha256: append([]byte(nil), h...), RefCount: 1}
			if info, err := pool.ForHash(d.opts.PoolPath, hash).Information(); err == nil {
				entry.Size = info.Size
				entry.CompressedSize = info.CompressedSize
			}
			d.refcntMu.Lock()
			d.refcnt.Apply(entry, pool.Increase, d.logf)
			d.refcntMu.Unlock()
		}
	}

	if err := manifest.New(d.backupDir, share).Compact(nil, onEntry); err != nil {
		return fmt.Errorf("compacting share %q: %w", share, err)
	}
	return nil
}

// CountReferences is phase 9: finish and save the per-backup refcnt,
// then fold it into the host-level refcnt (Increase sense). Folding
// into the pool-level store is the caller's responsibility, one level
// up (see Refcnt), per spec.md §4.10.
func (d *Driver) CountReferences() error {
	if d.refcnt == nil {
		return fmt.Errorf("driver: CountReferences called before InitBackupDirectory")
	}
	d.refcntMu.Lock()
	_, err := d.refcnt.Finish(d.opts.PoolPath)
	d.refcntMu.Unlock()
	if err != nil {
		return fmt.Errorf("finishing backup refcnt: %w", err)
	}
	if err := d.refcnt.Save(); err != nil {
		return fmt.Errorf("saving backup refcnt: %w", err)
	}
	if _, err := pool.ApplyAllFrom(d.opts.HostDir, d.refcnt, pool.Increase, d.clock.now(), d.opts.PoolPath, d.logf); err != nil {
		return fmt.Errorf("applying backup refcnt into host %q: %w", d.opts.Hostname, err)
	}
	return nil
}

// SaveBackup is phase 10: atomically upsert the backup record.
// end_date and speed_bytes_per_sec are only set when isComplete.
func (d *Driver) SaveBackup(isComplete bool) error {
	if d.record == nil {
		return fmt.Errorf("driver: SaveBackup called before InitBackupDirectory")
	}
	d.record.Completed = isComplete
	if isComplete {
		d.record.EndDate = d.clock.now().Unix()
		if !d.transferStart.IsZero() && !d.transferEnd.IsZero() {
			if elapsed := d.transferEnd.Sub(d.transferStart).Seconds(); elapsed > 0 {
				d.record.SpeedBytesPerSec = uint64(float64(transferredBytes(d.record)) / elapsed)
			}
		}
	}
	return upsertBackupRecord(d.opts.HostDir, d.record)
}

func transferredBytes(r *wire.BackupRecord) uint64 {
	var total uint64
	if r.New != nil {
		total += r.New.Size
	}
	if r.Modified != nil {
		total += r.Modified.Size
	}
	return total
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

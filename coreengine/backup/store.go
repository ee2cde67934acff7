// Package backup is the append-only archive of prior artifact versions.
//
// Each backup is a full content copy under <dir>/blobs plus one line in
// <dir>/manifest.jsonl. Records are never mutated or deleted; ordering by
// Seq (equivalently Timestamp) is the only query the engine needs.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
)

// Record is one manifest entry.
type Record struct {
	ID                   string    `json:"id"`
	Seq                  int64     `json:"seq"`
	ArtifactID           string    `json:"artifact_id"`
	BackupLocation       string    `json:"backup_location"`
	Timestamp            time.Time `json:"timestamp"`
	Reason               string    `json:"reason"`
	PrecedingVersionHash string    `json:"preceding_version_hash"`
	Size                 int       `json:"size"`
}

// Reasons recorded by the engine.
const (
	ReasonPrePromotion = "pre-promotion"
	ReasonPreWrite     = "pre-write"
	ReasonPreRollback  = "pre-rollback"
)

// ErrNoBackup is returned when the requested backup does not exist.
var ErrNoBackup = errors.New("backup not found")

// IntegrityError is returned when backup content no longer matches its hash.
type IntegrityError struct {
	BackupID string
	Want     string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("backup %s is corrupt: hash %s, want %s", e.BackupID, e.Got, e.Want)
}

// Logger is the structured logger used by the store.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Store archives artifact versions. Safe for concurrent use: cycles for
// different targets may back up at the same time.
type Store struct {
	dir    string
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    int64
	lastTS time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens (or creates) a store rooted at dir and resumes its sequence
// and clock from the existing manifest.
func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: nopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.blobDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	records, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Seq > s.seq {
			s.seq = r.Seq
		}
		if r.Timestamp.After(s.lastTS) {
			s.lastTS = r.Timestamp
		}
	}
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// ManifestPath returns the append-only manifest log path.
func (s *Store) ManifestPath() string { return filepath.Join(s.dir, "manifest.jsonl") }

func (s *Store) blobDir() string { return filepath.Join(s.dir, "blobs") }

// Stamp returns a timestamp strictly later than every backup recorded so far
// and every earlier Stamp. The engine stamps promotions with it so a backup
// always precedes the write it protects.
func (s *Store) Stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTimestampLocked()
}

func (s *Store) nextTimestampLocked() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

// Backup archives content as the current version of artifactID.
func (s *Store) Backup(artifactID string, content []byte, reason string) (Record, error) {
	hash := HashContent(content)
	id := "bak_" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTimestampLocked()
	location := filepath.Join(s.blobDir(), blobName(artifactID), fmt.Sprintf("%s-%s.bak", ts.Format("20060102T150405.000000000Z"), id))

	if err := fsutil.WriteFileAtomic(location, content, 0o644); err != nil {
		return Record{}, fmt.Errorf("write backup of %s: %w", artifactID, err)
	}

	rec := Record{
		ID:                   id,
		Seq:                  s.seq + 1,
		ArtifactID:           artifactID,
		BackupLocation:       location,
		Timestamp:            ts,
		Reason:               reason,
		PrecedingVersionHash: hash,
		Size:                 len(content),
	}
	if err := fsutil.AppendJSONL(s.ManifestPath(), rec); err != nil {
		return Record{}, fmt.Errorf("append manifest: %w", err)
	}
	s.seq = rec.Seq

	s.logger.Info("backup_created",
		"backup_id", rec.ID,
		"artifact_id", artifactID,
		"reason", reason,
		"hash", rec.PrecedingVersionHash,
	)
	return rec, nil
}

// List returns the records of artifactID, newest first.
func (s *Store) List(artifactID string) ([]Record, error) {
	records, err := s.readManifest()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0)
	for _, r := range records {
		if r.ArtifactID == artifactID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// NthLatest returns the n-th most recent record of artifactID (1 = most recent).
func (s *Store) NthLatest(artifactID string, n int) (Record, error) {
	if n < 1 {
		return Record{}, fmt.Errorf("backup index must be >= 1, got %d", n)
	}
	records, err := s.List(artifactID)
	if err != nil {
		return Record{}, err
	}
	if n > len(records) {
		return Record{}, fmt.Errorf("%w: %s has %d backups, asked for #%d", ErrNoBackup, artifactID, len(records), n)
	}
	return records[n-1], nil
}

// Get looks up a record by ID.
func (s *Store) Get(backupID string) (Record, error) {
	records, err := s.readManifest()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.ID == backupID {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNoBackup, backupID)
}

// Content reads the archived bytes of rec and verifies them against the
// recorded hash.
func (s *Store) Content(rec Record) ([]byte, error) {
	data, err := os.ReadFile(rec.BackupLocation)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", rec.ID, err)
	}
	if got := HashContent(data); got != rec.PrecedingVersionHash {
		return nil, &IntegrityError{BackupID: rec.ID, Want: rec.PrecedingVersionHash, Got: got}
	}
	return data, nil
}

// Restore writes the archived content of rec over dest atomically,
// keeping dest's permission bits.
func (s *Store) Restore(rec Record, dest string) error {
	data, err := s.Content(rec)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(dest, data, fsutil.FileMode(dest, 0o644)); err != nil {
		return fmt.Errorf("restore %s from %s: %w", dest, rec.ID, err)
	}
	s.logger.Info("backup_restored", "backup_id", rec.ID, "artifact_id", rec.ArtifactID, "dest", dest)
	return nil
}

func (s *Store) readManifest() ([]Record, error) {
	records, skipped, err := fsutil.ReadJSONL[Record](s.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("backup_manifest_lines_skipped", "count", skipped, "path", s.ManifestPath())
	}
	return records, nil
}

// HashContent returns the hex sha256 used for PrecedingVersionHash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// blobName flattens an artifact identifier into a single directory name.
func blobName(artifactID string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_", "..", "_")
	name := r.Replace(filepath.ToSlash(artifactID))
	if name == "" {
		name = "_"
	}
	return name
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "prodmon/pkg/logx"
)

// fileStore keeps everything in JSON Lines files derived from Config.Path:
//
//   - <prefix>.audit.jsonl          append-only
//   - <prefix>.notifications.jsonl  append-only, rewritten on prune
//   - <prefix>.dedup.snapshot.json  compacted dedup map
//   - <prefix>.dedup.journal.jsonl  dedup writes since the last compaction
//
// Notification history is also held in memory, oldest first.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	notifPath string
	notifFile *os.File
	notifs    []NotificationRecord

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const dedupCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		notifPath:         prefix + ".notifications.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}

	var err error
	if s.auditFile, err = openAppend(prefix + ".audit.jsonl"); err != nil {
		return nil, err
	}
	if s.notifs, err = loadNotifications(s.notifPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("notification history unreadable; starting empty", logx.Err(err))
		s.notifs = nil
	}
	if s.notifFile, err = openAppend(s.notifPath); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())
	if s.dedupJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		_ = s.notifFile.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("notifications", len(s.notifs)))
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.auditFile, &s.notifFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendNotification(_ context.Context, r NotificationRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.notifFile).Encode(r); err != nil {
		return err
	}
	s.notifs = append(s.notifs, r)
	return nil
}

func (s *fileStore) RecentNotifications(_ context.Context, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.notifs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]NotificationRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.notifs[i])
	}
	return out, nil
}

func (s *fileStore) PruneNotifications(_ context.Context, before time.Time, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifFile == nil {
		return 0, ErrClosed
	}
	kept := pruneRecords(s.notifs, before, keep)
	removed := len(s.notifs) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *fileStore) MarkNotificationsRead(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifFile == nil {
		return 0, ErrClosed
	}
	next := make([]NotificationRecord, len(s.notifs))
	changed := 0
	for i, r := range s.notifs {
		if !r.Read {
			r.Read = true
			changed++
		}
		next[i] = r
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(next); err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *fileStore) ClearNotifications(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifFile == nil {
		return 0, ErrClosed
	}
	n := len(s.notifs)
	if n == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(nil); err != nil {
		return 0, err
	}
	return n, nil
}

// rewriteLocked replaces the notifications file with recs and reopens it
// for appending.
func (s *fileStore) rewriteLocked(recs []NotificationRecord) error {
	tmp := s.notifPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	_ = s.notifFile.Close()
	s.notifFile = nil
	if err := os.Rename(tmp, s.notifPath); err != nil {
		return err
	}
	if s.notifFile, err = openAppend(s.notifPath); err != nil {
		return err
	}
	s.notifs = recs
	return nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadNotifications(path string) ([]NotificationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []NotificationRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r NotificationRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}

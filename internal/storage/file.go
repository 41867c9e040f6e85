package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "notiflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl            (append-only revisions)
//   - <prefix>.escalations.snapshot.json   (periodic snapshot)
//   - <prefix>.escalations.journal.jsonl   (append-only journal)
//
// The escalation journal is compacted into the snapshot every 1000 writes;
// Compact also rewrites the delivery log keeping only latest revisions.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveriesPath string
	deliveriesFile *os.File

	escSnapshotPath string
	escJournalFile  *os.File
	escalations     map[string]EscalationRecord

	escWrites int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveriesPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".escalations.snapshot.json"
	journalPath := prefix + ".escalations.journal.jsonl"

	df, err := os.OpenFile(deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	// Load escalations from snapshot + journal.
	esc := map[string]EscalationRecord{}
	if err := loadEscalationSnapshot(snapPath, esc); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("escalation snapshot unreadable; ignoring", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayEscalationJournal(journalPath, esc); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("escalation journal unreadable; ignoring", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:             log,
		deliveriesPath:  deliveriesPath,
		deliveriesFile:  df,
		escSnapshotPath: snapPath,
		escJournalFile:  jf,
		escalations:     esc,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveriesFile != nil {
		err1 = s.deliveriesFile.Close()
		s.deliveriesFile = nil
	}
	if s.escJournalFile != nil {
		err2 = s.escJournalFile.Close()
		s.escJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.deliveriesFile).Encode(r)
}

func (s *fileStore) LoadDeliveries(ctx context.Context) ([]DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readDeliveries(s.deliveriesPath)
}

// readDeliveries returns the latest revision per id in first-seen order.
// Malformed lines (e.g. a torn final write) are skipped.
func readDeliveries(path string) ([]DeliveryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	order := make([]string, 0, 64)
	latest := map[string]DeliveryRecord{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		prev, seen := latest[r.ID]
		if !seen {
			order = append(order, r.ID)
		}
		if !seen || r.Revision >= prev.Revision {
			latest[r.ID] = r
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]DeliveryRecord, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

func (s *fileStore) PutEscalation(ctx context.Context, r EscalationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(r.ID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escJournalFile == nil {
		return errors.New("escalation journal closed")
	}
	s.escalations[r.ID] = r

	if err := json.NewEncoder(s.escJournalFile).Encode(r); err != nil {
		return err
	}
	s.escWrites++
	if s.escWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactEscalationsLocked(); err != nil {
			s.log.Debug("escalation compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadEscalations(ctx context.Context) ([]EscalationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]EscalationRecord, 0, len(s.escalations))
	for _, r := range s.escalations {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil || s.escJournalFile == nil {
		return errors.New("store closed")
	}
	if err := s.compactEscalationsLocked(); err != nil {
		return err
	}
	return s.compactDeliveriesLocked()
}

func (s *fileStore) compactEscalationsLocked() error {
	if err := writeJSONAtomic(s.escSnapshotPath, s.escalations); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.escJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.escJournalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) compactDeliveriesLocked() error {
	recs, err := readDeliveries(s.deliveriesPath)
	if err != nil {
		return err
	}
	tmp := s.deliveriesPath + ".tmp"
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
	_ = s.deliveriesFile.Close()
	s.deliveriesFile = nil
	if err := os.Rename(tmp, s.deliveriesPath); err != nil {
		return err
	}
	df, err := os.OpenFile(s.deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.deliveriesFile = df
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadEscalationSnapshot(path string, out map[string]EscalationRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]EscalationRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayEscalationJournal(path string, out map[string]EscalationRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r EscalationRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out[r.ID] = r
	}
	return s.Err()
}

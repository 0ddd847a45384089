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
	"time"

	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

const compactEvery = 500

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl  (changes since the last snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int

	recipients map[transport.ChatID]*Recipient
	items      []Item
	itemKeys   map[string]struct{}
}

type fileSnapshot struct {
	Recipients []Recipient `json:"recipients"`
	Items      []Item      `json:"items"`
}

type journalRecord struct {
	Recipient *Recipient `json:"recipient,omitempty"`
	Item      *Item      `json:"item,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		recipients:   map[transport.ChatID]*Recipient{},
		itemKeys:     map[string]struct{}{},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.journalFile = jf

	log.Info("file store opened",
		logx.String("prefix", prefix),
		logx.Int("recipients", len(s.recipients)),
		logx.Int("items", len(s.items)),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) UpsertRecipient(_ context.Context, chat transport.ChatID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r, ok := s.recipients[chat]
	if ok && r.Active {
		return false, nil
	}
	if !ok {
		r = &Recipient{ChatID: chat, CreatedAt: now}
	}
	next := *r
	next.Active = true
	next.UpdatedAt = now
	if err := s.putRecipientLocked(next); err != nil {
		return false, err
	}
	return !ok, nil
}

func (s *fileStore) Reactivate(_ context.Context, chat transport.ChatID) (bool, error) {
	return s.setActive(chat, true)
}

func (s *fileStore) MarkInactive(_ context.Context, chat transport.ChatID) error {
	_, err := s.setActive(chat, false)
	return err
}

func (s *fileStore) setActive(chat transport.ChatID, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[chat]
	if !ok || r.Active == active {
		return false, nil
	}
	next := *r
	next.Active = active
	next.UpdatedAt = time.Now().UTC()
	if err := s.putRecipientLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) putRecipientLocked(r Recipient) error {
	if err := s.journalLocked(journalRecord{Recipient: &r}); err != nil {
		return err
	}
	s.recipients[r.ChatID] = &r
	return nil
}

func (s *fileStore) ActiveRecipients(context.Context) ([]transport.ChatID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.ChatID, 0, len(s.recipients))
	for id, r := range s.recipients {
		if r.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) Counts(context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Total: len(s.recipients), Items: len(s.items)}
	for _, r := range s.recipients {
		if r.Active {
			c.Active++
		}
	}
	return c, nil
}

func (s *fileStore) SaveItems(_ context.Context, items []Item) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []Item
	for _, it := range dedupeInput(items) {
		if _, ok := s.itemKeys[it.Key()]; ok {
			continue
		}
		if err := s.journalLocked(journalRecord{Item: &it}); err != nil {
			return fresh, err
		}
		s.addItemLocked(it)
		fresh = append(fresh, it)
	}
	return fresh, nil
}

func (s *fileStore) addItemLocked(it Item) {
	s.itemKeys[it.Key()] = struct{}{}
	s.items = append(s.items, it)
}

func (s *fileStore) CurrentItems(_ context.Context, now time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if it.Current(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) journalLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort; the journal still holds everything on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a full snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Items: s.items}
	for _, r := range s.recipients {
		snap.Recipients = append(snap.Recipients, *r)
	}
	sort.Slice(snap.Recipients, func(i, j int) bool { return snap.Recipients[i].ChatID < snap.Recipients[j].ChatID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Recipients {
		r := snap.Recipients[i]
		s.recipients[r.ChatID] = &r
	}
	for _, it := range snap.Items {
		if _, ok := s.itemKeys[it.Key()]; !ok {
			s.addItemLocked(it)
		}
	}
	return nil
}

// replayJournal applies records on top of the snapshot. A torn last line
// from a crash is skipped.
func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			s.log.Debug("skipping bad journal line", logx.Err(err))
			continue
		}
		if rec.Recipient != nil {
			r := *rec.Recipient
			s.recipients[r.ChatID] = &r
		}
		if rec.Item != nil {
			if _, ok := s.itemKeys[rec.Item.Key()]; !ok {
				s.addItemLocked(*rec.Item)
			}
		}
	}
	return sc.Err()
}

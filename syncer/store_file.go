package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileDoc is the on-disk layout of the flat-file backend.
type fileDoc struct {
	Version       int            `json:"version"`
	NextID        uint           `json:"next_id"`
	Cursor        *time.Time     `json:"cursor,omitempty"`
	Records       []Intervention `json:"records"`
	NextOutboxID  uint           `json:"next_outbox_id,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

const fileDocVersion = 1

func (d *fileDoc) clone() *fileDoc {
	out := &fileDoc{Version: d.Version, NextID: d.NextID, NextOutboxID: d.NextOutboxID}
	if d.Cursor != nil {
		c := *d.Cursor
		out.Cursor = &c
	}
	out.Records = make([]Intervention, len(d.Records))
	copy(out.Records, d.Records)
	if len(d.Notifications) > 0 {
		out.Notifications = make([]Notification, len(d.Notifications))
		copy(out.Notifications, d.Notifications)
		for i := range out.Notifications {
			if at := out.Notifications[i].SentAt; at != nil {
				c := *at
				out.Notifications[i].SentAt = &c
			}
		}
	}
	return out
}

func (d *fileDoc) find(t time.Time) int {
	k := keyTime(t)
	for i := range d.Records {
		if d.Records[i].ReportedAt.Equal(k) {
			return i
		}
	}
	return -1
}

func (d *fileDoc) sortDesc() {
	sort.SliceStable(d.Records, func(i, j int) bool {
		return d.Records[i].ReportedAt.After(d.Records[j].ReportedAt)
	})
}

// FileStore keeps the whole record set in one JSON document. Units of work
// operate on a copy; a successful unit is written to a temp file and renamed
// over the document before the copy replaces the in-memory state.
type FileStore struct {
	path string

	txMu sync.Mutex
	mu   sync.RWMutex
	doc  *fileDoc
}

// OpenFileStore loads path if it exists. An empty path keeps the document in memory only.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, doc: &fileDoc{Version: fileDocVersion, NextID: 1, NextOutboxID: 1}}
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, storeErr("open", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, storeErr("open", fmt.Errorf("decode %s: %w", path, err))
	}
	if doc.NextID == 0 {
		doc.NextID = 1
	}
	for i, r := range doc.Records {
		if r.ID >= doc.NextID {
			doc.NextID = r.ID + 1
		}
		if r.State == "" {
			doc.Records[i].State = ClassifyStatus(r.Status)
		}
	}
	if doc.NextOutboxID == 0 {
		doc.NextOutboxID = 1
	}
	for _, n := range doc.Notifications {
		if n.ID >= doc.NextOutboxID {
			doc.NextOutboxID = n.ID + 1
		}
	}
	doc.sortDesc()
	s.doc = &doc
	return s, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storeErr("ping", err)
	}
	if s.path == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *FileStore) Cursor(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docCursor(s.doc)
}

func (s *FileStore) FindByReportedAt(ctx context.Context, t time.Time) (*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docFind(s.doc, t), nil
}

func (s *FileStore) Get(ctx context.Context, id uint) (*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.doc.Records {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *FileStore) Page(ctx context.Context, f Filter, limit, offset int) ([]Intervention, error) {
	limit, offset = ClampPage(limit, offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Intervention{}
	skipped := 0
	for i := range s.doc.Records {
		if len(out) == limit {
			break
		}
		if !f.Match(&s.doc.Records[i]) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, s.doc.Records[i])
	}
	return out, nil
}

func (s *FileStore) NewerThan(ctx context.Context, t time.Time) (*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.doc.Records) == 0 {
		return nil, nil
	}
	newest := s.doc.Records[0]
	if !newest.ReportedAt.After(keyTime(t)) {
		return nil, nil
	}
	return &newest, nil
}

func (s *FileStore) Count(ctx context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.Empty() {
		return int64(len(s.doc.Records)), nil
	}
	var n int64
	for i := range s.doc.Records {
		if f.Match(&s.doc.Records[i]) {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	byState := map[string]int64{}
	byType := map[string]int64{}
	byDistrict := map[string]int64{}
	for i := range s.doc.Records {
		r := &s.doc.Records[i]
		if !f.Match(r) {
			continue
		}
		total++
		byState[r.State]++
		byType[r.EventType]++
		byDistrict[r.District]++
	}
	return newStats(total, byState, byType, byDistrict), nil
}

func (s *FileStore) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultOutboxBatch
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, n := range s.doc.Notifications {
		if n.Sent {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) MarkNotification(ctx context.Context, id uint, sendErr error) error {
	return s.commit(ctx, func(doc *fileDoc) error {
		for i := range doc.Notifications {
			n := &doc.Notifications[i]
			if n.ID != id {
				continue
			}
			n.Attempts++
			if sendErr != nil {
				n.SendError = sendErr.Error()
				return nil
			}
			now := time.Now().UTC()
			n.Sent = true
			n.SendError = ""
			n.SentAt = &now
			return nil
		}
		return storeErr("mark_notification", fmt.Errorf("notification %d: %w", id, ErrNotFound))
	})
}

func (s *FileStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.commit(ctx, func(doc *fileDoc) error {
		return fn(&fileTx{doc: doc})
	})
}

// commit runs fn on a copy of the document and installs the copy once it is on disk.
func (s *FileStore) commit(ctx context.Context, fn func(*fileDoc) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.doc.clone()
	s.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storeErr("commit", err)
	}
	work.sortDesc()
	if err := s.persist(work); err != nil {
		return storeErr("commit", err)
	}
	s.mu.Lock()
	s.doc = work
	s.mu.Unlock()
	return nil
}

func (s *FileStore) persist(doc *fileDoc) error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return syncDir(filepath.Dir(s.path))
}

// syncDir flushes the directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

type fileTx struct {
	doc *fileDoc
}

func (t *fileTx) Cursor(ctx context.Context) (time.Time, bool, error) {
	return docCursor(t.doc)
}

func (t *fileTx) FindByReportedAt(ctx context.Context, ts time.Time) (*Intervention, error) {
	return docFind(t.doc, ts), nil
}

func (t *fileTx) Insert(ctx context.Context, rec Intervention) (Intervention, error) {
	if t.doc.find(rec.ReportedAt) >= 0 {
		return Intervention{}, ErrDuplicateKey
	}
	now := time.Now().UTC()
	rec.ID = t.doc.NextID
	t.doc.NextID++
	rec.ReportedAt = keyTime(rec.ReportedAt)
	rec.State = ClassifyStatus(rec.Status)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	t.doc.Records = append(t.doc.Records, rec)
	return rec, nil
}

func (t *fileTx) UpdateStatus(ctx context.Context, id uint, status string) error {
	for i := range t.doc.Records {
		if t.doc.Records[i].ID == id {
			t.doc.Records[i].Status = status
			t.doc.Records[i].State = ClassifyStatus(status)
			t.doc.Records[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return storeErr("update_status", fmt.Errorf("id %d: %w", id, ErrNotFound))
}

func (t *fileTx) SetCursor(ctx context.Context, ts time.Time) error {
	c := keyTime(ts)
	t.doc.Cursor = &c
	return nil
}

func (t *fileTx) Enqueue(ctx context.Context, n Notification) error {
	n.ID = t.doc.NextOutboxID
	t.doc.NextOutboxID++
	n.CreatedAt = time.Now().UTC()
	n.Sent = false
	t.doc.Notifications = append(t.doc.Notifications, n)
	return nil
}

func docCursor(d *fileDoc) (time.Time, bool, error) {
	if d.Cursor == nil {
		return time.Time{}, false, nil
	}
	return *d.Cursor, true, nil
}

func docFind(d *fileDoc, t time.Time) *Intervention {
	i := d.find(t)
	if i < 0 {
		return nil
	}
	rec := d.Records[i]
	return &rec
}

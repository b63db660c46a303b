package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/models"
)

// FileStore persists each session as an append-only JSONL transcript
// ({id}.log) plus a metadata document ({id}.meta). Appends are fsync'd; a
// torn final line from a crash is dropped on reload.
type FileStore struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	byID  map[string]*fileSession
	byKey map[string]string // key -> id
}

type fileSession struct {
	mu      sync.Mutex
	meta    *models.Session
	lastSeq int64
	scanned bool
}

// NewFileStore opens (or creates) the sessions directory and indexes the
// existing metadata files.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		now:   time.Now,
		byID:  make(map[string]*fileSession),
		byKey: make(map[string]string),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var meta models.Session
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		s.byID[meta.ID] = &fileSession{meta: &meta}
		s.byKey[meta.Key] = meta.ID
	}
	return s, nil
}

func (s *FileStore) logPath(id string) string  { return filepath.Join(s.dir, id+".log") }
func (s *FileStore) metaPath(id string) string { return filepath.Join(s.dir, id+".meta") }

// CreateSession persists a new session. The key must be unused.
func (s *FileStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.mu.Lock()
	if _, taken := s.byKey[sess.Key]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: key %s", ErrSessionExists, sess.Key)
	}
	if _, taken := s.byID[sess.ID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %s", ErrSessionExists, sess.ID)
	}
	fs := &fileSession{meta: sess.Clone(), scanned: true}
	s.byID[sess.ID] = fs
	s.byKey[sess.Key] = sess.ID
	s.mu.Unlock()

	if err := s.writeMeta(fs.meta); err != nil {
		s.mu.Lock()
		delete(s.byID, sess.ID)
		delete(s.byKey, sess.Key)
		s.mu.Unlock()
		return err
	}
	return nil
}

// SaveSession rewrites the metadata document atomically.
func (s *FileStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	fs, ok := s.byID[sess.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.meta = sess.Clone()
	return s.writeMeta(fs.meta)
}

func (s *FileStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	fs, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.meta.Clone(), nil
}

func (s *FileStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrSessionNotFound, key)
	}
	return s.GetSession(ctx, id)
}

func (s *FileStore) ListSessions(ctx context.Context, f Filter) ([]*models.Session, error) {
	s.mu.Lock()
	all := make([]*fileSession, 0, len(s.byID))
	for _, fs := range s.byID {
		all = append(all, fs)
	}
	s.mu.Unlock()

	var out []*models.Session
	for _, fs := range all {
		fs.mu.Lock()
		meta := fs.meta.Clone()
		fs.mu.Unlock()
		if f.Matches(meta) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// AppendMessage assigns the next seq and appends one fsync'd JSONL record.
func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	fs, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := s.ensureScannedLocked(fs, sessionID); err != nil {
		return nil, err
	}

	record := msg.Clone()
	record.SessionID = sessionID
	record.Seq = fs.lastSeq + 1
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	file, err := os.OpenFile(s.logPath(sessionID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sync transcript: %w", err)
	}
	fs.lastSeq = record.Seq
	return record.Clone(), nil
}

// Messages loads records with seq >= fromSeq in order. A trailing partial
// line is ignored, matching the durability contract for torn tails.
func (s *FileStore) Messages(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	fs, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	fs.mu.Lock()
	boundary := fs.meta.CompactedThroughSeq
	fs.mu.Unlock()

	records, err := s.readLog(sessionID)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, record := range records {
		if record.Seq < fromSeq {
			continue
		}
		if record.Seq <= boundary && record.Role != models.RoleSummary {
			record.Superseded = true
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LastSeq returns the highest assigned seq.
func (s *FileStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	fs, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := s.ensureScannedLocked(fs, sessionID); err != nil {
		return 0, err
	}
	return fs.lastSeq, nil
}

// ensureScannedLocked recovers lastSeq from the transcript on first touch
// after a restart.
func (s *FileStore) ensureScannedLocked(fs *fileSession, sessionID string) error {
	if fs.scanned {
		return nil
	}
	records, err := s.readLog(sessionID)
	if err != nil {
		return err
	}
	if n := len(records); n > 0 {
		fs.lastSeq = records[n-1].Seq
	}
	fs.scanned = true
	return nil
}

func (s *FileStore) readLog(sessionID string) ([]*models.Message, error) {
	file, err := os.Open(s.logPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	var out []*models.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record models.Message
		if err := json.Unmarshal(line, &record); err != nil {
			// Torn tail from a crash mid-append; everything before it
			// is intact.
			break
		}
		out = append(out, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return out, nil
}

func (s *FileStore) writeMeta(meta *models.Session) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	path := s.metaPath(meta.ID)
	tmp, err := os.CreateTemp(s.dir, ".meta-")
	if err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session meta: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename session meta: %w", err)
	}
	return nil
}

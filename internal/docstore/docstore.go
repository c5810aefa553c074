package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

var ErrNotFound = errors.New("docstore: document not found")

// DocKind names the three per-day documents kept for each strategy.
type DocKind string

const (
	// DocPrepared holds strategy-specific precomputed indicators.
	DocPrepared DocKind = "prepared"
	// DocPreparedPos holds precomputed values scoped to held codes.
	DocPreparedPos DocKind = "prepared_pos"
	// DocSaved holds position snapshots plus arbitrary strategy
	// carry-over state written at day close.
	DocSaved DocKind = "saved"
)

const dayLayout = "20060102"

// Store persists JSON documents keyed by (strategy, day, kind).
type Store struct {
	dir string
}

// New ensures the root directory exists.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("docstore: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create docstore dir")
	}
	return &Store{dir: dir}, nil
}

// Scoped returns a store rooted at a subdirectory. Concurrent
// back-test workers get disjoint scopes so their carry-over documents
// never collide.
func (s *Store) Scoped(sub string) (*Store, error) {
	return New(filepath.Join(s.dir, sub))
}

// Save writes one document, replacing any previous content.
func (s *Store) Save(strategy string, day time.Time, kind DocKind, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal document")
	}
	path := s.path(strategy, day, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create strategy dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write document")
	}
	return os.Rename(tmp, path)
}

// Load reads one document into v. Missing documents return ErrNotFound.
func (s *Store) Load(strategy string, day time.Time, kind DocKind, v any) error {
	data, err := os.ReadFile(s.path(strategy, day, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrap(err, "read document")
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshal document")
	}
	return nil
}

// LoadLatest walks backwards from day looking for the most recent
// document of the given kind, up to maxBack days. Used at day open to
// pick up the previous session's carry-over state across weekends and
// holidays.
func (s *Store) LoadLatest(strategy string, day time.Time, kind DocKind, maxBack int, v any) (time.Time, error) {
	for i := 0; i <= maxBack; i++ {
		d := day.AddDate(0, 0, -i)
		err := s.Load(strategy, d, kind, v)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return time.Time{}, err
		}
	}
	return time.Time{}, ErrNotFound
}

func (s *Store) path(strategy string, day time.Time, kind DocKind) string {
	name := fmt.Sprintf("%s-%s.json", kind, day.Format(dayLayout))
	return filepath.Join(s.dir, strategy, name)
}

package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// DefaultRetention caps stored checkpoints; creation prunes oldest-first
// beyond the cap.
const DefaultRetention = 100

// ListOptions filter and order List results.
type ListOptions struct {
	MinMessages int
	MaxAge      time.Duration
	NamePattern string // regular expression matched against Name
	SortBy      string // "timestamp" (default) or "name"
	Descending  bool
}

// Store 检查点文件存储，每个检查点一个 JSON 文件
// Store keeps one <id>.json per checkpoint under a directory.
type Store struct {
	fs        *afero.Afero
	dir       string
	retention int
	logger    *slog.Logger
}

type StoreOption func(*Store)

func WithRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func NewStore(fs *afero.Afero, dir string, opts ...StoreOption) *Store {
	s := &Store{
		fs:        fs,
		dir:       dir,
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists cp and prunes beyond the retention cap.
func (s *Store) Save(cp Checkpoint) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	if err := s.fs.WriteFile(s.path(cp.ID), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}
	s.logger.Info("checkpoint saved", "id", cp.ID, "name", cp.Name,
		"messages", cp.Stats.MessageCount, "tokens", cp.Stats.EstimatedTokens)
	return s.prune()
}

// Load reads one checkpoint by id.
func (s *Store) Load(id string) (Checkpoint, error) {
	data, err := s.fs.ReadFile(s.path(id))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// Delete removes one checkpoint by id.
func (s *Store) Delete(id string) error {
	if err := s.fs.Remove(s.path(id)); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns stored checkpoints after filtering and sorting. Corrupt
// files are skipped, not fatal.
func (s *Store) List(opts ListOptions) ([]Checkpoint, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	var nameRe *regexp.Regexp
	if opts.NamePattern != "" {
		nameRe, err = regexp.Compile(opts.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("name pattern: %w", err)
		}
	}

	now := time.Now()
	filtered := all[:0]
	for _, cp := range all {
		if cp.Stats.MessageCount < opts.MinMessages {
			continue
		}
		if opts.MaxAge > 0 && now.Sub(cp.Timestamp) > opts.MaxAge {
			continue
		}
		if nameRe != nil && !nameRe.MatchString(cp.Name) {
			continue
		}
		filtered = append(filtered, cp)
	}

	sort.Slice(filtered, func(i, j int) bool {
		var less bool
		if opts.SortBy == "name" {
			less = filtered[i].Name < filtered[j].Name
		} else {
			less = filtered[i].Timestamp.Before(filtered[j].Timestamp)
		}
		if opts.Descending {
			return !less
		}
		return less
	})
	return filtered, nil
}

// Export writes one checkpoint to an arbitrary path outside the store.
func (s *Store) Export(id, path string) error {
	cp, err := s.Load(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return s.fs.WriteFile(path, data, 0o644)
}

// Import 导入外部检查点文件，重新生成 id 和时间戳
// Import reads an exported file and stores it under a fresh identity so an
// import never collides with or impersonates an existing checkpoint.
func (s *Store) Import(path string) (Checkpoint, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read import %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse import %s: %w", path, err)
	}

	imported := New(cp.Name, cp.Description, cp.Messages, cp.Context)
	if err := s.Save(imported); err != nil {
		return Checkpoint{}, err
	}
	return imported, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) loadAll() ([]Checkpoint, error) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		cp, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) prune() error {
	all, err := s.loadAll()
	if err != nil {
		return err
	}
	if len(all) <= s.retention {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	for _, cp := range all[:len(all)-s.retention] {
		if err := s.Delete(cp.ID); err != nil {
			return err
		}
		s.logger.Debug("checkpoint pruned", "id", cp.ID, "age", time.Since(cp.Timestamp))
	}
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math/rand"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
)

const generationsDir = "generations"

// FileStore implements Storage on top of a core.FS. Each generation is a
// directory and each entry a JSON file named after the hash of its key.
// go-billy's memfs is not safe for concurrent use, so every filesystem
// call goes through mu.
type FileStore struct {
	mu   *sync.RWMutex
	fsys core.FS
}

var _ Storage = (*FileStore)(nil)

// NewFileStore creates a store rooted at fsys
func NewFileStore(fsys core.FS) (*FileStore, error) {
	if err := fsys.MkdirAll(generationsDir, 0o700); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "create generations dir")
	}
	return &FileStore{mu: &sync.RWMutex{}, fsys: fsys}, nil
}

// NewMemoryStore creates a store backed by an in-memory filesystem
func NewMemoryStore() (*FileStore, error) {
	return NewFileStore(billy.NewMemory())
}

// NewDiskStore creates a store in dir on the local disk
func NewDiskStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "resolve store dir %s", dir)
	}
	local := billy.NewLocal()
	if err := local.MkdirAll(abs, 0o700); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "create store dir %s", abs)
	}
	rooted, err := local.Chroot(abs)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "chroot store dir %s", abs)
	}
	return NewFileStore(rooted)
}

// Open implements Storage
func (s *FileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := path.Join(generationsDir, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open generation %s", name)
	}
	return s.generation(name), nil
}

// Has implements Storage
func (s *FileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.fsys.Exists(path.Join(generationsDir, name))
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "stat generation %s", name)
	}
	return ok, nil
}

// Delete implements Storage
func (s *FileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.fsys.Exists(path.Join(generationsDir, name))
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "stat generation %s", name)
	}
	if !ok {
		return false, nil
	}
	if err := s.fsys.RemoveAll(path.Join(generationsDir, name)); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete generation %s", name)
	}
	return true, nil
}

// Names implements Storage. Names are returned in lexical order.
func (s *FileStore) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names()
}

func (s *FileStore) names() ([]string, error) {
	entries, err := s.fsys.ReadDir(generationsDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list generations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Match implements Storage
func (s *FileStore) Match(ctx context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names, err := s.names()
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		entry, ok, err := s.generation(name).get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return nil, false, nil
}

// Close implements Storage
func (s *FileStore) Close() error { return nil }

func (s *FileStore) generation(name string) *fileGeneration {
	return &fileGeneration{mu: s.mu, fsys: s.fsys, name: name, dir: path.Join(generationsDir, name)}
}

type fileGeneration struct {
	mu   *sync.RWMutex
	fsys core.FS
	name string
	dir  string
}

func (g *fileGeneration) Name() string { return g.name }

func (g *fileGeneration) path(key string) string {
	return path.Join(g.dir, fileNameFor(key))
}

// Get implements Reader
func (g *fileGeneration) Get(ctx context.Context, key string) (*Entry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.get(key)
}

func (g *fileGeneration) get(key string) (*Entry, bool, error) {
	data, err := g.fsys.ReadFile(g.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, errors.CodeDatabase, "read %s from %s", key, g.name)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A torn or foreign file is treated as a miss
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put implements Writer
func (g *fileGeneration) Put(ctx context.Context, key string, entry *Entry) error {
	entry.Key = key
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "encode %s", key)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// A generation deleted since Open stays deleted
	ok, err := g.fsys.Exists(g.dir)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "stat generation %s", g.name)
	}
	if !ok {
		return nil
	}

	// Write to temporary file first, then rename (atomic operation)
	target := g.path(key)
	tmp := target + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := g.fsys.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "write %s to %s", key, g.name)
	}
	if err := g.fsys.Rename(tmp, target); err != nil {
		_ = g.fsys.Remove(tmp)
		return errors.Wrapf(err, errors.CodeDatabase, "commit %s to %s", key, g.name)
	}
	return nil
}

// Keys implements Reader
func (g *fileGeneration) Keys(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	files, err := g.fsys.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list %s", g.name)
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := g.fsys.ReadFile(path.Join(g.dir, f.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if json.Unmarshal(data, &entry) == nil && entry.Key != "" {
			keys = append(keys, entry.Key)
		}
	}
	return keys, nil
}

// validName rejects names that would escape the generations directory
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.Newf(errors.CodeInvalidInput, "invalid generation name %q", name)
	}
	return nil
}

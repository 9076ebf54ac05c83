// Package filestore provides a docstream.Store over a directory of JSON
// files. The document at path "configurations/app" lives in
// <root>/configurations/app.json. Changes made by any process are picked up
// through fsnotify.
//
// Writes through Put are atomic (temp file plus rename), so watchers never
// observe a partially written document.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/authsync-go/docstream"
	"github.com/joeshaw/envdecode"
)

// ErrInvalidPath is returned for document paths that would escape the root.
var ErrInvalidPath = errors.New("filestore: invalid document path")

// Config for a directory-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Dir is the root directory. ENV: AUTHSYNC_DOCS_DIR
	Dir string `env:"AUTHSYNC_DOCS_DIR,default=./documents"`
}

type Store struct {
	root string
	log  *slog.Logger
}

// New creates the root directory if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Store{root: root, log: slog.Default()}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("filestore: config from environment: %w", err)
	}
	return New(cfg)
}

func (s *Store) file(path string) (string, error) {
	rel := filepath.FromSlash(path) + ".json"
	if path == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return filepath.Join(s.root, rel), nil
}

// Put atomically replaces the document at path.
func (s *Store) Put(ctx context.Context, path string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := s.file(path)
	if err != nil {
		return err
	}
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// Delete removes the document at path. Deleting a missing document is not
// an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := s.file(path)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) WatchDocument(ctx context.Context, path string, onSnapshot func(docstream.Snapshot), onError func(error)) (func(), error) {
	name, err := s.file(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(filepath.Dir(name)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fsnotify add: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = w.Close() }()
		s.run(ctx, w, path, name, onSnapshot, onError)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (s *Store) run(ctx context.Context, w *fsnotify.Watcher, path, name string, onSnapshot func(docstream.Snapshot), onError func(error)) {
	deliver := func() {
		snap, err := read(path, name)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WarnContext(ctx, "filestore.read.error", slog.String("path", path), slog.String("err", err.Error()))
			onError(err)
			return
		}
		onSnapshot(snap)
	}

	// The watcher is registered before the first read so no change is lost.
	deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				deliver()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if ctx.Err() == nil {
				onError(fmt.Errorf("fsnotify: %w", err))
			}
		}
	}
}

func read(path, name string) (docstream.Snapshot, error) {
	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return docstream.Snapshot{Path: path}, nil
	}
	if err != nil {
		return docstream.Snapshot{}, fmt.Errorf("read document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return docstream.Snapshot{}, fmt.Errorf("decode document: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return docstream.Snapshot{Path: path, Exists: true, Data: data}, nil
}

var _ docstream.Store = (*Store)(nil)

// Package artifact manages the private file tree of each test: the diff tool
// configuration, debug dumps of tool output, raw remote results and the
// bitmaps the tool leaves behind.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"shotplane/internal/backstop"

	"github.com/spf13/afero"
)

// Mirror copies artifacts to secondary storage. Failures are logged only.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	RemovePrefix(ctx context.Context, prefix string) error
}

// Store writes artifacts below a private root directory.
type Store struct {
	fs            afero.Fs
	root          string
	engineScripts string
	mirror        Mirror
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMirror uploads every written artifact to m as well.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithEngineScripts points every test at a shared engine scripts directory.
func WithEngineScripts(dir string) Option {
	return func(s *Store) { s.engineScripts = dir }
}

// WithClock overrides the time source used in file names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store rooted at root on fs.
func New(fs afero.Fs, root string, logger *slog.Logger, opts ...Option) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}

	s := &Store{fs: fs, root: root, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the private root directory.
func (s *Store) Root() string {
	return s.root
}

// Paths returns the artifact layout of a test.
func (s *Store) Paths(testID int64) backstop.Paths {
	return backstop.NewPaths(s.root, testID, s.engineScripts)
}

// WriteConfig writes the diff tool configuration for a test and returns its path.
func (s *Store) WriteConfig(ctx context.Context, testID int64, cfg *backstop.Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}

	paths := s.Paths(testID)
	for _, dir := range []string{paths.Config.BitmapsReference, paths.Config.BitmapsTest, paths.Config.HTMLReport, paths.Config.CIReport} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create folder %s: %w", dir, err)
		}
	}

	if err := s.writeFile(paths.ConfigFile, data); err != nil {
		return "", err
	}
	s.mirrorUpload(ctx, paths.ConfigFile, data, "application/json")
	return paths.ConfigFile, nil
}

// WriteDebug dumps raw tool output to <root>/<testId>/debug/<unix>.debug.txt.
func (s *Store) WriteDebug(ctx context.Context, testID int64, output []byte) (string, error) {
	name := fmt.Sprintf("%d.debug.txt", s.now().Unix())
	path := filepath.Join(s.testDir(testID), "debug", name)

	if err := s.writeFile(path, output); err != nil {
		return "", err
	}
	s.mirrorUpload(ctx, path, output, "text/plain")
	return path, nil
}

// WriteResult stores a raw remote result at <root>/<testId>/results/<unix>.<resultID>.json.
func (s *Store) WriteResult(ctx context.Context, testID int64, resultID string, raw []byte) (string, error) {
	name := fmt.Sprintf("%d.%s.json", s.now().Unix(), sanitize(resultID))
	path := filepath.Join(s.testDir(testID), "results", name)

	if err := s.writeFile(path, raw); err != nil {
		return "", err
	}
	s.mirrorUpload(ctx, path, raw, "application/json")
	return path, nil
}

// LatestTestDir returns the newest bitmap folder produced by a "test" command.
// The tool names these folders by timestamp, so lexical order is chronological.
func (s *Store) LatestTestDir(testID int64) (string, error) {
	base := s.Paths(testID).Config.BitmapsTest
	entries, err := afero.ReadDir(s.fs, base)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", base, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no test bitmaps in %s: %w", base, os.ErrNotExist)
	}
	sort.Strings(dirs)
	return filepath.Join(base, dirs[len(dirs)-1]), nil
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

// RemoveTest deletes every artifact of a test.
func (s *Store) RemoveTest(ctx context.Context, testID int64) error {
	dir := s.testDir(testID)
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if s.mirror != nil {
		if err := s.mirror.RemovePrefix(ctx, s.key(dir)+"/"); err != nil {
			s.logger.Warn("failed to remove mirrored artifacts", "test_id", testID, "error", err)
		}
	}
	return nil
}

func (s *Store) testDir(testID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(testID, 10))
}

func (s *Store) writeFile(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

func (s *Store) mirrorUpload(ctx context.Context, path string, data []byte, contentType string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Upload(ctx, s.key(path), data, contentType); err != nil {
		s.logger.Warn("failed to mirror artifact", "path", path, "error", err)
	}
}

// key converts a local path into an object key relative to the root.
func (s *Store) key(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func sanitize(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "..", "_")
	if id == "" {
		return "result"
	}
	return id
}

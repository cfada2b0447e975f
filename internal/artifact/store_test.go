package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shotplane/internal/backstop"

	"github.com/spf13/afero"
)

type recordingMirror struct {
	uploads []string
	removed []string
	err     error
}

func (m *recordingMirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	m.uploads = append(m.uploads, key)
	return m.err
}

func (m *recordingMirror) RemovePrefix(ctx context.Context, prefix string) error {
	m.removed = append(m.removed, prefix)
	return m.err
}

func newTestStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	s, err := New(fs, "/private", logger, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, fs
}

func TestNew_RequiresRoot(t *testing.T) {
	if _, err := New(afero.NewMemMapFs(), "  ", nil); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestWriteConfig(t *testing.T) {
	mirror := &recordingMirror{}
	s, fs := newTestStore(t, WithMirror(mirror))

	path, err := s.WriteConfig(context.Background(), 42, &backstop.Config{ID: "test_42"})
	if err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	if path != filepath.Join("/private", "42", "backstop.json") {
		t.Errorf("unexpected path %s", path)
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), `"id": "test_42"`) {
		t.Errorf("unexpected content %s", data)
	}
	if ok, _ := afero.DirExists(fs, filepath.Join("/private", "42", "bitmaps_reference")); !ok {
		t.Error("expected bitmaps_reference folder to be created")
	}
	if ok, _ := afero.Exists(fs, path+".tmp"); ok {
		t.Error("temporary file left behind")
	}
	if len(mirror.uploads) != 1 || mirror.uploads[0] != "42/backstop.json" {
		t.Errorf("unexpected mirror uploads %v", mirror.uploads)
	}
}

func TestWriteDebug_Path(t *testing.T) {
	s, fs := newTestStore(t)

	path, err := s.WriteDebug(context.Background(), 7, []byte("tool output"))
	if err != nil {
		t.Fatalf("WriteDebug failed: %v", err)
	}
	want := filepath.Join("/private", "7", "debug", "1700000000.debug.txt")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if data, _ := afero.ReadFile(fs, path); string(data) != "tool output" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestWriteResult_Path(t *testing.T) {
	s, _ := newTestStore(t)

	path, err := s.WriteResult(context.Background(), 7, "abc/../def", []byte(`{}`))
	if err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	want := filepath.Join("/private", "7", "results", "1700000000.abc___def.json")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("bucket offline")}
	s, _ := newTestStore(t, WithMirror(mirror))

	if _, err := s.WriteDebug(context.Background(), 1, []byte("x")); err != nil {
		t.Fatalf("mirror failure should not fail the write: %v", err)
	}
}

func TestLatestTestDir(t *testing.T) {
	s, fs := newTestStore(t)
	base := s.Paths(3).Config.BitmapsTest

	if _, err := s.LatestTestDir(3); err == nil {
		t.Error("expected error when no bitmaps exist")
	}

	for _, d := range []string{"20240101-101010", "20240305-090000", "20231231-235959"} {
		if err := fs.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = afero.WriteFile(fs, filepath.Join(base, "zzz.txt"), []byte("x"), 0o644)

	got, err := s.LatestTestDir(3)
	if err != nil {
		t.Fatalf("LatestTestDir failed: %v", err)
	}
	if got != filepath.Join(base, "20240305-090000") {
		t.Errorf("unexpected latest dir %s", got)
	}
}

func TestRemoveTest(t *testing.T) {
	mirror := &recordingMirror{}
	s, fs := newTestStore(t, WithMirror(mirror))

	if _, err := s.WriteDebug(context.Background(), 9, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTest(context.Background(), 9); err != nil {
		t.Fatalf("RemoveTest failed: %v", err)
	}
	if ok, _ := afero.DirExists(fs, filepath.Join("/private", "9")); ok {
		t.Error("test folder still exists")
	}
	if len(mirror.removed) != 1 || mirror.removed[0] != "9/" {
		t.Errorf("unexpected mirror removals %v", mirror.removed)
	}
}

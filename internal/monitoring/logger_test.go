package monitoring

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/spotspray/internal/fsutil"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("nil logger should mute output")
	}
}

type bufCloser struct {
	strings.Builder
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

func TestTee(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var seen []string
	SetLogger(func(format string, v ...interface{}) { seen = append(seen, format) })

	buf := &bufCloser{}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	restore := Tee(buf, func() time.Time { return at })

	Logf("[gps] fix %d", 3)

	if len(seen) != 1 {
		t.Errorf("previous logger saw %d lines, want 1", len(seen))
	}
	want := "2026-03-01T09:00:00Z [gps] fix 3\n"
	if buf.String() != want {
		t.Errorf("tee wrote %q, want %q", buf.String(), want)
	}

	if err := restore(); err != nil {
		t.Fatal(err)
	}
	if !buf.closed {
		t.Error("restore did not close writer")
	}
	Logf("after restore")
	if strings.Contains(buf.String(), "after restore") {
		t.Error("tee still active after restore")
	}
	if len(seen) != 2 {
		t.Errorf("previous logger not restored, saw %d lines", len(seen))
	}
}

func TestOpenSessionLog(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()
	SetLogger(nil)

	fs := fsutil.NewMemoryFileSystem()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	restore, err := OpenSessionLog(fs, "/data/session-1.log", func() time.Time { return at })
	if err != nil {
		t.Fatal(err)
	}
	Logf("[control] running")
	if err := restore(); err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile("/data/session-1.log")
	if err != nil {
		t.Fatal(err)
	}
	if want := "2026-03-01T09:00:00Z [control] running\n"; string(got) != want {
		t.Errorf("session log = %q, want %q", got, want)
	}

	fs.FailCreate = errors.New("read-only")
	if _, err := OpenSessionLog(fs, "/data/session-2.log", time.Now); err == nil {
		t.Error("expected error from read-only filesystem")
	}
}

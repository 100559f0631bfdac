package monitoring

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/spotspray/internal/fsutil"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tee sends every Logf line to the current logger and also appends it,
// timestamped, to w. The returned function restores the previous logger and
// closes w.
func Tee(w io.WriteCloser, now func() time.Time) (restore func() error) {
	prev := Logf
	var mu sync.Mutex
	Logf = func(format string, v ...interface{}) {
		prev(format, v...)
		line := fmt.Sprintf(format, v...)
		mu.Lock()
		fmt.Fprintf(w, "%s %s\n", now().UTC().Format(time.RFC3339Nano), line)
		mu.Unlock()
	}
	return func() error {
		Logf = prev
		mu.Lock()
		defer mu.Unlock()
		return w.Close()
	}
}

// OpenSessionLog appends every Logf line to the file at path until the
// returned restore function is called.
func OpenSessionLog(fs fsutil.FileSystem, path string, now func() time.Time) (restore func() error, err error) {
	w, err := fs.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return Tee(w, now), nil
}

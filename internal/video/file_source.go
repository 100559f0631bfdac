package video

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/spotspray/internal/fsutil"
	"github.com/banshee-data/spotspray/internal/timeutil"
)

// FileSourceConfig configures a FileSource.
type FileSourceConfig struct {
	// Path is a single image or a directory of images.
	Path string
	FS   fsutil.FileSystem // defaults to OSFileSystem
	// Clock defaults to RealClock.
	Clock timeutil.Clock
	// LoopTime is slept after each frame to pace playback.
	LoopTime time.Duration
	// Loop restarts from the first image instead of returning io.EOF.
	Loop bool
}

// FileSource replays still images as a frame stream, in file-name order.
type FileSource struct {
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	loopTime time.Duration
	loop     bool
	files    []string

	mu      sync.Mutex
	next    int
	seq     uint64
	stopped bool
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// OpenFileSource lists the images at cfg.Path.
func OpenFileSource(cfg FileSourceConfig) (*FileSource, error) {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	info, err := cfg.FS.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open frame source: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := cfg.FS.ReadDir(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("list frame directory: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(cfg.Path, e.Name()))
			}
		}
	} else {
		files = []string{cfg.Path}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("open frame source: no images in %s", cfg.Path)
	}

	return &FileSource{
		fs:       cfg.FS,
		clock:    cfg.Clock,
		loopTime: cfg.LoopTime,
		loop:     cfg.Loop,
		files:    files,
	}, nil
}

// Len returns the number of images in the source.
func (s *FileSource) Len() int { return len(s.files) }

// Read decodes the next image.
func (s *FileSource) Read() (*Frame, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if s.next >= len(s.files) {
		if !s.loop {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img, err := s.decode(path)
	if err != nil {
		return nil, err
	}
	frame := &Frame{Seq: seq, Image: ToRGBA(img), CapturedAt: s.clock.Now()}
	if s.loopTime > 0 {
		s.clock.Sleep(s.loopTime)
	}
	return frame, nil
}

func (s *FileSource) decode(path string) (image.Image, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		// io.EOF from a short file must not read as end of stream.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("decode %s: truncated image", path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Stop ends the stream; later reads return io.EOF.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

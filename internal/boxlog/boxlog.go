// Package boxlog tails a box's raw console file and appends structured JSON
// log entries to a rotating sink, per spec §4.10.
package boxlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

const (
	defaultMaxSize = 10 * 1024 * 1024 // 10 MiB
	defaultMaxFile = 3
	pollInterval   = 100 * time.Millisecond
)

// Entry is one structured line appended to the sink.
type Entry struct {
	Log    string    `json:"log"`
	Stream string    `json:"stream"`
	Time   time.Time `json:"time"`
}

// Processor tails consolePath and writes rotating JSON entries to sinkDir.
type Processor struct {
	ConsolePath string
	SinkDir     string
	Stream      string // "stdout" or "stderr"
	Config      boxtypes.LogConfig
}

// New constructs a Processor, filling config defaults.
func New(consolePath, sinkDir, stream string, cfg boxtypes.LogConfig) *Processor {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxFile <= 0 {
		cfg.MaxFile = defaultMaxFile
	}
	return &Processor{ConsolePath: consolePath, SinkDir: sinkDir, Stream: stream, Config: cfg}
}

// Run tails ConsolePath until ctx is cancelled. A "none" driver disables
// the processor entirely (spec §4.10): Run returns immediately.
func (p *Processor) Run(ctx context.Context) error {
	if p.Config.Driver == "none" {
		return nil
	}

	f, err := p.waitForConsole(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	sink, err := newRotatingSink(p.SinkDir, p.Config.MaxSize, p.Config.MaxFile)
	if err != nil {
		return err
	}
	defer sink.Close()

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if line != "" {
					if werr := sink.Write(Entry{Log: line, Stream: p.Stream, Time: time.Now()}); werr != nil {
						return werr
					}
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollInterval):
				}
				continue
			}
			return boxerr.Wrap(boxerr.KindIoError, err, "reading console")
		}
		if err := sink.Write(Entry{Log: line, Stream: p.Stream, Time: time.Now()}); err != nil {
			return err
		}
	}
}

func (p *Processor) waitForConsole(ctx context.Context) (*os.File, error) {
	for {
		f, err := os.Open(p.ConsolePath)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "opening console file")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// rotatingSink appends JSON-encoded entries to an active file, rotating it
// out once it exceeds maxSize.
type rotatingSink struct {
	dir      string
	maxSize  int64
	maxFile  int
	active   *os.File
	written  int64
}

func newRotatingSink(dir string, maxSize int64, maxFile int) (*rotatingSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating log sink dir")
	}
	s := &rotatingSink{dir: dir, maxSize: maxSize, maxFile: maxFile}
	if err := s.openActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *rotatingSink) activePath() string { return filepath.Join(s.dir, "container.json") }

func (s *rotatingSink) openActive() error {
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "opening active log file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return boxerr.Wrap(boxerr.KindIoError, err, "stat active log file")
	}
	s.active = f
	s.written = info.Size()
	return nil
}

func (s *rotatingSink) Write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling log entry")
	}
	data = append(data, '\n')

	if s.written+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.active.Write(data)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing log entry")
	}
	s.written += int64(n)
	return nil
}

// rotate renames .N -> .N+1 from max down to 1, dropping anything beyond
// maxFile, moves the active file to .1, and opens a fresh active file.
func (s *rotatingSink) rotate() error {
	if err := s.active.Close(); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "closing active log file before rotation")
	}

	for n := s.maxFile; n >= 1; n-- {
		src := s.rotatedPath(n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if n == s.maxFile {
			if err := os.Remove(src); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "dropping oldest rotated log")
			}
			continue
		}
		dst := s.rotatedPath(n + 1)
		if err := os.Rename(src, dst); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "rotating log %q -> %q", src, dst)
		}
	}

	if err := os.Rename(s.activePath(), s.rotatedPath(1)); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "moving active log to .1")
	}
	return s.openActive()
}

func (s *rotatingSink) rotatedPath(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("container.json.%d", n))
}

func (s *rotatingSink) Close() error {
	return s.active.Close()
}

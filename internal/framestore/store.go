// Package framestore indexes a directory of numbered point-cloud frames and
// loads individual frames on demand.
//
// A sequence directory holds one .ply file per frame. The last run of
// decimal digits in each file stem orders the frames; gaps and non-zero
// starting numbers are allowed, and frames are renumbered densely from zero.
package framestore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
)

var (
	// ErrNotFound reports a missing sequence directory, a directory without
	// frames, or a frame file that disappeared after discovery.
	ErrNotFound = errors.New("not found")
	// ErrCorruptAsset reports a frame file that exists but cannot be parsed.
	ErrCorruptAsset = errors.New("corrupt asset")
)

var logf = monitoring.Tagged("Store")

// FrameError describes a failure to load one frame.
type FrameError struct {
	Kind  error // ErrNotFound or ErrCorruptAsset
	Path  string
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("frame %d (%s): %v", e.Index, e.Path, e.Kind)
	}
	return fmt.Sprintf("frame %d (%s): %v: %v", e.Index, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *FrameError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Frame is one entry of a sequence.
type Frame struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Number   int64  `json:"number"` // numeric token from the file name
	SizeHint int64  `json:"size_hint"`

	token string // Number's digits without leading zeros, for overflow-safe ordering
}

// Sequence is an ordered, densely indexed list of frames. A Sequence is
// never modified after it is returned; Refresh produces a new value.
type Sequence struct {
	Dir    string  `json:"dir"`
	Frames []Frame `json:"frames"`

	// FPS is the source frame rate recorded by a conversion, or 0.
	FPS    float64 `json:"fps,omitempty"`
	Source string  `json:"source,omitempty"`
}

// Len returns the number of frames.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Frames)
}

// Frame returns the frame at index i.
func (s *Sequence) Frame(i int) (Frame, bool) {
	if s == nil || i < 0 || i >= len(s.Frames) {
		return Frame{}, false
	}
	return s.Frames[i], true
}

// TotalBytes sums the size hints of every frame.
func (s *Sequence) TotalBytes() int64 {
	var n int64
	for _, f := range s.Frames {
		n += f.SizeHint
	}
	return n
}

// Store reads sequences through a FileSystem.
type Store struct {
	fs fsutil.FileSystem
}

// NewStore returns a Store backed by fsys. A nil fsys uses the OS.
func NewStore(fsys fsutil.FileSystem) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Store{fs: fsys}
}

// Discover indexes the frames in dir.
func (s *Store) Discover(dir string) (*Sequence, error) {
	frames, err := s.scan(dir)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no .ply frames in %s", ErrNotFound, dir)
	}
	for i := range frames {
		frames[i].Index = i
	}
	seq := &Sequence{Dir: dir, Frames: frames}
	if md, err := ReadMetadata(s.fs, dir); err != nil {
		logf("ignoring metadata in %s: %v", dir, err)
	} else if md != nil {
		seq.FPS = md.FPS
		seq.Source = md.Source
	}
	logf("discovered %d frames in %s (numbers %d..%d)",
		len(frames), dir, frames[0].Number, frames[len(frames)-1].Number)
	return seq, nil
}

// Refresh rescans seq's directory and returns a new sequence extended with
// every frame numbered after the current last frame, together with the
// count of frames appended. Existing frames keep their indices.
func (s *Store) Refresh(seq *Sequence) (*Sequence, int, error) {
	if seq == nil {
		return nil, 0, fmt.Errorf("%w: no sequence to refresh", ErrNotFound)
	}
	frames, err := s.scan(seq.Dir)
	if err != nil {
		return seq, 0, err
	}

	var last *Frame
	if n := len(seq.Frames); n > 0 {
		last = &seq.Frames[n-1]
	}

	out := &Sequence{
		Dir:    seq.Dir,
		Frames: make([]Frame, len(seq.Frames), len(seq.Frames)+len(frames)),
		FPS:    seq.FPS,
		Source: seq.Source,
	}
	copy(out.Frames, seq.Frames)
	for _, f := range frames {
		if last != nil && compareTokens(f.tokenOrNumber(), last.tokenOrNumber()) <= 0 {
			continue
		}
		f.Index = len(out.Frames)
		out.Frames = append(out.Frames, f)
	}

	added := len(out.Frames) - len(seq.Frames)
	if added > 0 {
		logf("refresh %s: %d new frames (total %d)", seq.Dir, added, len(out.Frames))
	}
	return out, added, nil
}

// Load decodes the payload of f.
func (s *Store) Load(f Frame) (*splat.Cloud, error) {
	file, err := s.fs.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FrameError{Kind: ErrNotFound, Path: f.Path, Index: f.Index, Err: err}
		}
		return nil, &FrameError{Kind: ErrCorruptAsset, Path: f.Path, Index: f.Index, Err: err}
	}
	defer file.Close()

	cloud, err := splat.Decode(bufio.NewReaderSize(file, 256*1024))
	if err != nil {
		return nil, &FrameError{Kind: ErrCorruptAsset, Path: f.Path, Index: f.Index, Err: err}
	}
	return cloud, nil
}

// scan returns the recognised frames of dir in playback order, without
// assigning indices.
func (s *Store) scan(dir string) ([]Frame, error) {
	info, err := s.fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}

	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNotFound, dir, err)
	}

	var frames []Frame
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		token, ok := FrameToken(name)
		if !ok {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		frames = append(frames, Frame{
			Path:     filepath.Join(dir, name),
			Number:   parseNumber(token),
			SizeHint: size,
			token:    token,
		})
	}

	sort.SliceStable(frames, func(i, j int) bool {
		if c := compareTokens(frames[i].token, frames[j].token); c != 0 {
			return c < 0
		}
		return filepath.Base(frames[i].Path) < filepath.Base(frames[j].Path)
	})
	return frames, nil
}

// FrameToken reports whether name is a frame file and returns the last run
// of decimal digits in its stem with leading zeros removed. Hidden files are
// never frames.
func FrameToken(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	ext := filepath.Ext(name)
	if !strings.EqualFold(ext, ".ply") {
		return "", false
	}
	stem := strings.TrimSuffix(name, ext)

	end := -1
	for i := len(stem) - 1; i >= 0; i-- {
		if isDigit(stem[i]) {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return "", false
	}
	start := end - 1
	for start > 0 && isDigit(stem[start-1]) {
		start--
	}

	digits := strings.TrimLeft(stem[start:end], "0")
	if digits == "" {
		digits = "0"
	}
	return digits, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// compareTokens orders digit strings without leading zeros numerically,
// including values that do not fit in an int64.
func compareTokens(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func parseNumber(token string) int64 {
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return n
}

func (f Frame) tokenOrNumber() string {
	if f.token != "" {
		return f.token
	}
	return strconv.FormatInt(f.Number, 10)
}

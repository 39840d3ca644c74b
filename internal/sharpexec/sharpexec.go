// Package sharpexec runs the video-to-gaussians model as an external
// process.
//
// The process is started as
//
//	<command...> --input <video> --output <dir>
//
// and reports on stdout with one directive per line:
//
//	PROGRESS <done> <total> [message]
//	FPS <rate>
//
// Any other stdout line is logged. The last lines of stderr are attached to
// the error when the process exits non-zero.
package sharpexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/monitoring"
)

// DefaultCommand is used when Inference.Command is empty.
var DefaultCommand = []string{"python", "-m", "sharp_video"}

var logf = monitoring.Tagged("Sharp")

// Inference implements conversion.Inference with an external process.
type Inference struct {
	Command     []string // argv prefix; DefaultCommand when empty
	Env         []string // extra environment, KEY=VALUE
	Dir         string   // working directory
	StderrLines int      // stderr lines kept for errors, default 20
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed. Default 5s.
	WaitDelay time.Duration
	// Prepare, when set, runs before every start. bootstrap.Environment's
	// Ensure fits here.
	Prepare func(ctx context.Context) error
}

var _ conversion.Inference = (*Inference)(nil)

// New returns an Inference running command, split on whitespace.
func New(command string) *Inference {
	return &Inference{Command: strings.Fields(command)}
}

// Run starts the process and blocks until it exits. Cancelling ctx kills
// the process and returns ctx's error.
func (s *Inference) Run(ctx context.Context, videoPath, outDir string, progress conversion.ProgressFunc) (float64, error) {
	if s.Prepare != nil {
		if err := s.Prepare(ctx); err != nil {
			return 0, fmt.Errorf("preparing inference environment: %w", err)
		}
	}
	argv := s.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	args := append(append([]string{}, argv[1:]...), "--input", videoPath, "--output", outDir)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	tail := newTail(s.StderrLines)
	cmd.Stderr = tail

	logf("starting %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	fps := parseOutput(stdout, progress)
	err = cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("%s exited with code %d: %s", argv[0], exitErr.ExitCode(), tail.String())
		}
		return 0, fmt.Errorf("%s: %w", argv[0], err)
	}
	return fps, nil
}

// parseOutput consumes r until EOF and returns the last reported FPS.
func parseOutput(r io.Reader, progress conversion.ProgressFunc) float64 {
	var fps float64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "PROGRESS":
			if len(fields) < 3 {
				break
			}
			done, err1 := strconv.Atoi(fields[1])
			total, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				logf("bad progress line %q", line)
				continue
			}
			if progress != nil {
				progress(done, total, strings.Join(fields[3:], " "))
			}
			continue
		case "FPS":
			if len(fields) == 2 {
				if v, err := strconv.ParseFloat(fields[1], 64); err == nil && v > 0 {
					fps = v
					continue
				}
			}
		}
		logf("%s", line)
	}
	// Keep draining so a chatty child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return fps
}

const maxPartial = 4096

// tail keeps the last n lines written to it.
type tail struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial string
}

func newTail(n int) *tail {
	if n <= 0 {
		n = 20
	}
	return &tail{n: n}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.partial + string(p)
	parts := strings.Split(s, "\n")
	t.partial = parts[len(parts)-1]
	if len(t.partial) > maxPartial {
		t.partial = t.partial[len(t.partial)-maxPartial:]
	}
	for _, line := range parts[:len(parts)-1] {
		t.lines = append(t.lines, strings.TrimRight(line, "\r"))
		if len(t.lines) > t.n {
			t.lines = t.lines[len(t.lines)-t.n:]
		}
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.lines
	if t.partial != "" {
		lines = append(append([]string{}, lines...), t.partial)
	}
	if len(lines) == 0 {
		return "(no stderr output)"
	}
	return strings.Join(lines, "\n")
}

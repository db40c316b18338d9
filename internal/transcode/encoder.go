package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"opticast/internal/observability/logging"
)

const stderrTailLines = 20

// Progress reports encoder position against the source duration.
type Progress struct {
	Elapsed time.Duration
	Total   time.Duration
}

// Percent returns completion in 0..100, or 0 when the total is unknown.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Elapsed * 100 / p.Total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Encoder runs a plan to completion.
type Encoder interface {
	Run(ctx context.Context, plan *Plan, onProgress func(Progress)) error
}

// ExitError is returned when the encoder exits unsuccessfully. Tail holds the
// last stderr lines for operators; it is never surfaced to API clients.
type ExitError struct {
	Code int
	Tail []string
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// FFmpegEncoder executes plans with ffmpeg.
type FFmpegEncoder struct {
	Binary string
	Logger *slog.Logger
}

func (e FFmpegEncoder) Run(ctx context.Context, plan *Plan, onProgress func(Progress)) error {
	if plan == nil {
		return fmt.Errorf("transcode plan is required")
	}
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := logging.FromContext(ctx, e.Logger)

	cmd := exec.CommandContext(ctx, binary, plan.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	// stderr must be drained before Wait closes the pipe.
	tail := newLineTail(stderrTailLines)
	scanProgress(stderr, plan.Duration, tail, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		exitErr := &ExitError{Code: -1, Tail: tail.Lines(), Err: err}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitErr.Code = ee.ExitCode()
		}
		logger.Error("ffmpeg failed", "code", exitErr.Code, "stderr", strings.Join(exitErr.Tail, "\n"))
		return exitErr
	}
	return nil
}

var progressTime = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// scanProgress reads ffmpeg stderr, which separates status updates with
// carriage returns, and reports each parsed position.
func scanProgress(r io.Reader, total time.Duration, tail *lineTail, onProgress func(Progress)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitCRLF)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.Add(line)
		if onProgress == nil {
			continue
		}
		if elapsed, ok := parseProgressTime(line); ok {
			onProgress(Progress{Elapsed: elapsed, Total: total})
		}
	}
}

func parseProgressTime(line string) (time.Duration, bool) {
	m := progressTime.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second))
	return d, true
}

func splitCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type lineTail struct {
	max   int
	lines []string
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (t *lineTail) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) Lines() []string {
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

package contentgate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FrameExtractor writes still frames of input into dir, one every interval,
// and returns their paths in presentation order.
type FrameExtractor interface {
	Extract(ctx context.Context, input, dir string, interval time.Duration) ([]string, error)
}

// FFmpegExtractor samples frames with ffmpeg's fps filter.
type FFmpegExtractor struct {
	Binary string
}

func (e FFmpegExtractor) Extract(ctx context.Context, input, dir string, interval time.Duration) ([]string, error) {
	binary := e.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-i", input,
		"-vf", "fps=" + fpsExpression(interval),
		"-vsync", "vfr",
		filepath.Join(dir, "frame-%06d.png"),
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return listFrames(dir)
}

// fpsExpression renders an interval as the fps filter's rational form.
func fpsExpression(interval time.Duration) string {
	ms := interval.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	if ms%1000 == 0 {
		return "1/" + strconv.FormatInt(ms/1000, 10)
	}
	return "1000/" + strconv.FormatInt(ms, 10)
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	frames := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		frames = append(frames, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(frames)
	return frames, nil
}

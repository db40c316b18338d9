package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SourceInfo describes the input video.
type SourceInfo struct {
	Width    int
	Height   int
	Duration time.Duration
	HasAudio bool
}

// Prober inspects an input file.
type Prober interface {
	Probe(ctx context.Context, input string) (SourceInfo, error)
}

// FFprobe shells out to ffprobe.
type FFprobe struct {
	Binary string
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p FFprobe) Probe(ctx context.Context, input string) (SourceInfo, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffprobe"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		input,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return SourceInfo{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (SourceInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return SourceInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	var info SourceInfo
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.Height == 0 {
				info.Width, info.Height = s.Width, s.Height
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if info.Height == 0 {
		return SourceInfo{}, fmt.Errorf("input has no video stream")
	}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil && seconds > 0 {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	return info, nil
}

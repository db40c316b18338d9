package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	masterPlaylistName = "master.m3u8"
	segmentSeconds     = 6
	audioBitrate       = "128k"
)

// PlanInput describes one encode.
type PlanInput struct {
	Input       string
	OutputDir   string
	Renditions  []Rendition
	HasAudio    bool
	KeyInfoPath string
	Duration    time.Duration
}

// Plan is a fully resolved ffmpeg invocation.
type Plan struct {
	Args       []string
	Renditions []Rendition
	OutputDir  string
	Master     string
	Duration   time.Duration
}

// BuildPlan lays out the rendition directories under OutputDir and returns a
// single ffmpeg command that splits the source video into every rendition,
// encrypts the segments and writes a master playlist.
func BuildPlan(in PlanInput) (*Plan, error) {
	if strings.TrimSpace(in.Input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(in.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(in.Renditions) == 0 {
		return nil, ErrEmptyLadder
	}
	absDir, err := filepath.Abs(in.OutputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	renditions := make([]Rendition, len(in.Renditions))
	copy(renditions, in.Renditions)

	n := len(renditions)
	var filter strings.Builder
	filter.WriteString("[0:v]split=" + strconv.Itoa(n))
	for i := range renditions {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	for i, r := range renditions {
		fmt.Fprintf(&filter, ";[v%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2[v%dout]", i, r.Width, r.Height, i)
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-nostdin",
		"-i", in.Input,
		"-filter_complex", filter.String(),
	}

	varStreamMap := make([]string, 0, n)
	used := make(map[string]int)
	for i, r := range renditions {
		name := sanitizeName(r.Name)
		if count := used[name]; count > 0 {
			name = fmt.Sprintf("%s-%d", name, count)
		}
		used[sanitizeName(r.Name)]++
		renditions[i].Name = name
		if err := os.MkdirAll(filepath.Join(absDir, name), 0o755); err != nil {
			return nil, err
		}

		idx := strconv.Itoa(i)
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			"-c:v:"+idx, "libx264",
			"-b:v:"+idx, fmt.Sprintf("%dk", r.Bitrate),
			"-maxrate:v:"+idx, fmt.Sprintf("%dk", r.Bitrate*107/100),
			"-bufsize:v:"+idx, fmt.Sprintf("%dk", r.Bitrate*3/2),
		)
		entry := fmt.Sprintf("v:%d", i)
		if in.HasAudio {
			args = append(args,
				"-map", "0:a:0",
				"-c:a:"+idx, "aac",
				"-b:a:"+idx, audioBitrate,
				"-ac:a:"+idx, "2",
			)
			entry += fmt.Sprintf(",a:%d", i)
		}
		varStreamMap = append(varStreamMap, entry+" name:"+name)
	}

	args = append(args,
		"-preset", "veryfast",
		"-sc_threshold", "0",
		"-g", "48",
		"-keyint_min", "48",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments+periodic_rekey",
	)
	if in.KeyInfoPath != "" {
		args = append(args, "-hls_key_info_file", in.KeyInfoPath)
	}
	args = append(args,
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, "%v", "segment_%05d.ts")),
		"-master_pl_name", masterPlaylistName,
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.ToSlash(filepath.Join(absDir, "%v", "index.m3u8")),
	)

	return &Plan{
		Args:       args,
		Renditions: renditions,
		OutputDir:  absDir,
		Master:     filepath.Join(absDir, masterPlaylistName),
		Duration:   in.Duration,
	}, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "variant"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "variant"
	}
	return b.String()
}

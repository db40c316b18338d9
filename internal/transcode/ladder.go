package transcode

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrEmptyLadder is returned when pruning leaves no rendition to encode.
var ErrEmptyLadder = errors.New("transcode: no renditions fit the source")

// Rendition is one rung of the output ladder. Bitrate is in kbit/s.
type Rendition struct {
	Name    string `yaml:"name" json:"name"`
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
	Bitrate int    `yaml:"bitrate" json:"bitrate"`
}

// DefaultLadder returns the full rendition ladder, lowest first.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "144p", Width: 256, Height: 144, Bitrate: 150},
		{Name: "240p", Width: 426, Height: 240, Bitrate: 300},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
		{Name: "480p", Width: 854, Height: 480, Bitrate: 1400},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
		{Name: "1440p", Width: 2560, Height: 1440, Bitrate: 8000},
		{Name: "2160p", Width: 3840, Height: 2160, Bitrate: 16000},
	}
}

// CoreCap limits the tallest rendition on hosts with fewer than BelowCores
// CPU cores.
type CoreCap struct {
	BelowCores int `yaml:"belowCores"`
	MaxHeight  int `yaml:"maxHeight"`
}

// LadderPolicy decides which renditions a host encodes for a given source.
type LadderPolicy struct {
	Renditions []Rendition `yaml:"renditions"`
	CoreCaps   []CoreCap   `yaml:"coreCaps"`
}

// DefaultLadderPolicy caps hosts below 4 cores at 720p and below 8 at 1080p.
func DefaultLadderPolicy() LadderPolicy {
	return LadderPolicy{
		Renditions: DefaultLadder(),
		CoreCaps: []CoreCap{
			{BelowCores: 4, MaxHeight: 720},
			{BelowCores: 8, MaxHeight: 1080},
		},
	}
}

// ParseLadderPolicy decodes a YAML policy. Omitted sections keep defaults.
func ParseLadderPolicy(data []byte) (LadderPolicy, error) {
	var policy LadderPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return LadderPolicy{}, fmt.Errorf("decode ladder policy: %w", err)
	}
	defaults := DefaultLadderPolicy()
	if len(policy.Renditions) == 0 {
		policy.Renditions = defaults.Renditions
	}
	if policy.CoreCaps == nil {
		policy.CoreCaps = defaults.CoreCaps
	}
	for _, r := range policy.Renditions {
		if r.Name == "" || r.Width <= 0 || r.Height <= 0 || r.Bitrate <= 0 {
			return LadderPolicy{}, fmt.Errorf("invalid rendition %+v", r)
		}
	}
	return policy, nil
}

// LoadLadderPolicy reads a YAML policy from path. An empty path yields the
// default policy.
func LoadLadderPolicy(path string) (LadderPolicy, error) {
	if path == "" {
		return DefaultLadderPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return LadderPolicy{}, fmt.Errorf("read ladder policy: %w", err)
	}
	return ParseLadderPolicy(data)
}

// Prune keeps the renditions no taller than the source and within the
// host's core cap, ordered lowest first.
func (p LadderPolicy) Prune(sourceHeight, cores int) []Rendition {
	limit := sourceHeight
	caps := append([]CoreCap(nil), p.CoreCaps...)
	sort.Slice(caps, func(i, j int) bool { return caps[i].BelowCores < caps[j].BelowCores })
	for _, c := range caps {
		if cores < c.BelowCores {
			if c.MaxHeight < limit {
				limit = c.MaxHeight
			}
			break
		}
	}
	out := make([]Rendition, 0, len(p.Renditions))
	for _, r := range p.Renditions {
		if r.Height <= limit {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

package transcode

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	idx := slices.Index(args, flag)
	if idx < 0 || idx+1 >= len(args) {
		t.Fatalf("flag %s not found in %v", flag, args)
	}
	return args[idx+1]
}

func TestBuildPlanWithoutAudio(t *testing.T) {
	dir := t.TempDir()
	ladder := DefaultLadderPolicy().Prune(720, 8)
	plan, err := BuildPlan(PlanInput{Input: "in.mp4", OutputDir: dir, Renditions: ladder, KeyInfoPath: "/keys/enc-info"})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	joined := strings.Join(plan.Args, " ")
	if strings.Contains(joined, "0:a") {
		t.Fatalf("expected no audio mapping, got %s", joined)
	}
	streams := strings.Fields(argValue(t, plan.Args, "-var_stream_map"))
	if len(streams) != 2*len(ladder) {
		t.Fatalf("expected %d var stream tokens, got %v", 2*len(ladder), streams)
	}
	if !strings.HasPrefix(streams[0], "v:0") || strings.Contains(streams[0], "a:") {
		t.Fatalf("unexpected first stream entry %q", streams[0])
	}
	if got := argValue(t, plan.Args, "-hls_time"); got != "6" {
		t.Fatalf("unexpected segment length %s", got)
	}
	if got := argValue(t, plan.Args, "-hls_flags"); got != "independent_segments+periodic_rekey" {
		t.Fatalf("unexpected hls flags %s", got)
	}
	if got := argValue(t, plan.Args, "-hls_key_info_file"); got != "/keys/enc-info" {
		t.Fatalf("unexpected key info file %s", got)
	}
	if got := argValue(t, plan.Args, "-master_pl_name"); got != "master.m3u8" {
		t.Fatalf("unexpected master name %s", got)
	}
	if !strings.HasSuffix(plan.Args[len(plan.Args)-1], "%v/index.m3u8") {
		t.Fatalf("unexpected output pattern %s", plan.Args[len(plan.Args)-1])
	}
	for _, r := range plan.Renditions {
		if info, err := os.Stat(filepath.Join(dir, r.Name)); err != nil || !info.IsDir() {
			t.Fatalf("expected rendition dir for %s", r.Name)
		}
	}
}

func TestBuildPlanWithAudio(t *testing.T) {
	ladder := DefaultLadder()[:3]
	plan, err := BuildPlan(PlanInput{Input: "in.mp4", OutputDir: t.TempDir(), Renditions: ladder, HasAudio: true})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	audioMaps := 0
	for i := 0; i+1 < len(plan.Args); i++ {
		if plan.Args[i] == "-map" && plan.Args[i+1] == "0:a:0" {
			audioMaps++
		}
	}
	if audioMaps != len(ladder) {
		t.Fatalf("expected %d audio legs, got %d", len(ladder), audioMaps)
	}
	if !strings.Contains(argValue(t, plan.Args, "-var_stream_map"), "v:2,a:2 name:360p") {
		t.Fatalf("unexpected var stream map %s", argValue(t, plan.Args, "-var_stream_map"))
	}
	if slices.Contains(plan.Args, "-hls_key_info_file") {
		t.Fatal("key info should be omitted when no path is set")
	}
	filter := argValue(t, plan.Args, "-filter_complex")
	if !strings.HasPrefix(filter, "[0:v]split=3[v0][v1][v2]") {
		t.Fatalf("unexpected filter graph %s", filter)
	}
}

func TestBuildPlanRejectsEmptyLadder(t *testing.T) {
	if _, err := BuildPlan(PlanInput{Input: "in.mp4", OutputDir: t.TempDir()}); err != ErrEmptyLadder {
		t.Fatalf("expected ErrEmptyLadder, got %v", err)
	}
}

func TestBuildPlanDeduplicatesNames(t *testing.T) {
	ladder := []Rendition{
		{Name: "same", Width: 640, Height: 360, Bitrate: 800},
		{Name: "same", Width: 1280, Height: 720, Bitrate: 2800},
	}
	plan, err := BuildPlan(PlanInput{Input: "in.mp4", OutputDir: t.TempDir(), Renditions: ladder})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Renditions[0].Name != "same" || plan.Renditions[1].Name != "same-1" {
		t.Fatalf("unexpected names %+v", plan.Renditions)
	}
}

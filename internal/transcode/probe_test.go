package transcode

import (
	"testing"
	"time"
)

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{
		"streams": [
			{"codec_type": "video", "width": 1920, "height": 1080},
			{"codec_type": "audio"}
		],
		"format": {"duration": "12.500000"}
	}`))
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.Height != 1080 || info.Width != 1920 || !info.HasAudio {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Duration != 12500*time.Millisecond {
		t.Fatalf("unexpected duration %s", info.Duration)
	}
}

func TestParseProbeRequiresVideo(t *testing.T) {
	if _, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio"}],"format":{}}`)); err == nil {
		t.Fatal("expected error for audio-only input")
	}
}

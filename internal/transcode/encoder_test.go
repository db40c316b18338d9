package transcode

import (
	"strings"
	"testing"
	"time"
)

func TestScanProgressSplitsCarriageReturns(t *testing.T) {
	stderr := "Input #0, mov\n" +
		"frame=  10 fps=0.0 q=28.0 size=N/A time=00:00:01.50 bitrate=N/A\r" +
		"frame=  40 fps= 39 q=28.0 size=N/A time=00:00:05.00 bitrate=N/A\r" +
		"frame= 100 fps= 40 q=28.0 size=N/A time=00:00:10.00 bitrate=N/A\n"
	var got []int
	tail := newLineTail(2)
	scanProgress(strings.NewReader(stderr), 10*time.Second, tail, func(p Progress) {
		got = append(got, p.Percent())
	})
	want := []int{15, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if lines := tail.Lines(); len(lines) != 2 || !strings.Contains(lines[1], "time=00:00:10.00") {
		t.Fatalf("unexpected tail %v", lines)
	}
}

func TestParseProgressTime(t *testing.T) {
	d, ok := parseProgressTime("size=1kB time=01:02:03.25 bitrate=1k")
	if !ok {
		t.Fatal("expected time to parse")
	}
	want := time.Hour + 2*time.Minute + 3250*time.Millisecond
	if d != want {
		t.Fatalf("expected %s, got %s", want, d)
	}
	if _, ok := parseProgressTime("Stream mapping:"); ok {
		t.Fatal("expected no match")
	}
}

func TestProgressPercentBounds(t *testing.T) {
	if got := (Progress{Elapsed: time.Second}).Percent(); got != 0 {
		t.Fatalf("unknown total should report 0, got %d", got)
	}
	if got := (Progress{Elapsed: 2 * time.Minute, Total: time.Minute}).Percent(); got != 100 {
		t.Fatalf("overrun should clamp to 100, got %d", got)
	}
}

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"frameforge/internal/frame"
)

func TestTraditionalHandlerKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("worker", 2).WithGroup("job")
	logger.Info("picked up", "id", "abc")
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] picked up [worker=2 job.id=abc]") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogStageIncludesFrameTags(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "text")
	f := frame.New("sci-1", 2, 2, 1)
	f.Header.Fingerprint = frame.Fingerprint{Instrument: "kb74", Filter: "rp", Binning: "2x2"}
	f.Header.ObservedAt = time.Date(2015, 10, 1, 3, 0, 0, 0, time.UTC)

	LogStage(logger, f, "flat-correct", "skipped", time.Millisecond, "filter air")
	out := buf.String()
	for _, want := range []string{"stage=flat-correct", "frame=sci-1", "filter=rp", "epoch=20151001", `detail="filter air"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

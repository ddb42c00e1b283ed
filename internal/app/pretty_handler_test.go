package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandlerRendersRecord(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("presence.register", "user_id", "u1", "superseded", false)

	out := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=presence.register", "user_id=u1", "superseded=false"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestPrettyHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.Info("x", "err", "no such user")

	if !strings.Contains(buf.String(), `err="no such user"`) {
		t.Fatalf("output %q missing quoted value", buf.String())
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error disabled at warn level")
	}
}

func TestPrettyHandlerGroupsFlattenKeys(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	log := slog.New(newPrettyHandler(&buf, nil, false)).WithGroup("ws")

	log.Info("connect", "session", "s1")

	if !strings.Contains(buf.String(), "ws.session=s1") {
		t.Fatalf("output %q missing grouped key", buf.String())
	}
}

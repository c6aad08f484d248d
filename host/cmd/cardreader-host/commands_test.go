package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cardreader/config"
	"cardreader/host/reader"
	"cardreader/protocol"
)

func testSession(t *testing.T, capturePath string) (*session, *bytes.Buffer) {
	t.Helper()
	cfg, err := buildConfig(nil, flagOverrides{Profile: "rts5129", SimSize: 8, Capture: capturePath})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Timeouts.PollInterval = config.Duration(time.Millisecond)
	cfg.Timeouts.VoltageSettle = config.Duration(time.Millisecond)
	rd, err := reader.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rd.Close() })
	var out bytes.Buffer
	return newSession(rd, &out), &out
}

func mustExec(t *testing.T, s *session, line string) {
	t.Helper()
	if err := s.exec(context.Background(), line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
}

func TestBuildConfig(t *testing.T) {
	cfg, err := buildConfig([]byte(`{"transport": "sim", "profile": "rts5227", "timeouts": {"data": "2s"}}`),
		flagOverrides{Profile: "rts5249", LogLevel: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile != "rts5249" || cfg.LogLevel != "debug" || cfg.SimCardMB != 64 {
		t.Errorf("config %+v", cfg)
	}
	if time.Duration(cfg.Timeouts.Data) != 2*time.Second {
		t.Errorf("data timeout %v lost in merge", time.Duration(cfg.Timeouts.Data))
	}

	if _, err := buildConfig(nil, flagOverrides{Transport: "spi"}); err == nil {
		t.Error("bad transport accepted")
	}
}

func TestSessionCardCommands(t *testing.T) {
	s, out := testSession(t, "")

	mustExec(t, s, "init")
	if !strings.Contains(out.String(), "RCA 0x1234") {
		t.Errorf("init output %q", out.String())
	}

	out.Reset()
	mustExec(t, s, "status")
	if !strings.Contains(out.String(), "state 4") {
		t.Errorf("status output %q", out.String())
	}

	out.Reset()
	mustExec(t, s, "write 3 0xAB 2")
	mustExec(t, s, "read 4")
	if !strings.Contains(out.String(), "ab ab ab ab") {
		t.Errorf("read output %q", out.String())
	}

	out.Reset()
	mustExec(t, s, "cmd 10 0x12340000 R2")
	if !strings.Contains(out.String(), "cmd10 R2: 03534453 494D3031") {
		t.Errorf("cmd output %q", out.String())
	}

	out.Reset()
	mustExec(t, s, "regw 0xFDA1 0xFF 0x55")
	mustExec(t, s, "regr 0xFDA1")
	if !strings.Contains(out.String(), "0xFDA1 = 0x55") {
		t.Errorf("regr output %q", out.String())
	}

	out.Reset()
	mustExec(t, s, "clock")
	if !strings.Contains(out.String(), "ssc clock 100 MHz") {
		t.Errorf("clock output %q", out.String())
	}
	mustExec(t, s, "clock 50 1m")
	mustExec(t, s, "tune")
	mustExec(t, s, "width 1")

	out.Reset()
	mustExec(t, s, "history")
	if !strings.Contains(out.String(), "TUNE") {
		t.Errorf("history output %q", out.String())
	}
}

func TestSessionErrors(t *testing.T) {
	s, _ := testSession(t, "")
	ctx := context.Background()

	tests := []struct {
		line string
		want error
	}{
		{"width", protocol.ErrBadArgument},
		{"width 8", protocol.ErrUnsupported},
		{"voltage 5", protocol.ErrBadArgument},
		{"regw 0xFDA1", protocol.ErrBadArgument},
		{"clock 50 deep", protocol.ErrBadArgument},
		{"cmd 17 0 R9", protocol.ErrBadArgument},
		{"read 0", protocol.ErrInvalid},
	}
	for _, tt := range tests {
		if err := s.exec(ctx, tt.line); !errors.Is(err, tt.want) {
			t.Errorf("%q: err = %v, want %v", tt.line, err, tt.want)
		}
	}
	if err := s.exec(ctx, "frobnicate"); err == nil {
		t.Error("unknown command accepted")
	}
	if err := s.exec(ctx, `regr "0xFD`); err == nil {
		t.Error("unterminated quote accepted")
	}
	if err := s.exec(ctx, "quit"); err != errQuit {
		t.Errorf("quit = %v", err)
	}
}

func TestSessionPresentAndProfiles(t *testing.T) {
	s, out := testSession(t, "")
	mustExec(t, s, "profiles")
	for _, name := range []string{"rts5129", "rts5139", "rts5227", "rts5249", "rts525a"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("profiles output lacks %s", name)
		}
	}
	if !strings.Contains(out.String(), "5 profiles\n") {
		t.Errorf("profiles output lacks the count:\n%s", out.String())
	}
	mustExec(t, s, "init")
	mustExec(t, s, "present 0")
	if err := s.exec(context.Background(), "cmd 13 0x12340000"); !errors.Is(err, protocol.ErrNoMedia) {
		t.Errorf("command without card err = %v", err)
	}
	mustExec(t, s, "present 1")
	mustExec(t, s, "init")
}

func TestSessionReplay(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace.z")
	s, _ := testSession(t, trace)
	mustExec(t, s, "init")
	if err := s.rd.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	replay := newSession(s.rd, &out)
	mustExec(t, replay, "replay "+trace)
	if !strings.Contains(out.String(), "#0 packet batch") {
		t.Errorf("replay output %q", out.String()[:min(out.Len(), 200)])
	}
}

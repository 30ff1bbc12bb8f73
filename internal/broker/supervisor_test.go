package broker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSupervisorInitializeDetectsOverrideAndParsesConfig(t *testing.T) {
	dir := t.TempDir()
	exePath := filepath.Join(dir, "icecast")
	if err := os.WriteFile(exePath, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake exe: %v", err)
	}
	configPath := writeSample(t)

	sup := New(Options{
		ExePathOverride:    exePath,
		ConfigPathOverride: configPath,
		WatchDebounce:      10 * time.Millisecond,
	})
	t.Cleanup(sup.Close)

	if err := sup.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want stopped (no process started yet)", sup.State())
	}
	cfg := sup.Config()
	if cfg == nil || cfg.Port != 8000 {
		t.Errorf("Config() = %+v, want port 8000", cfg)
	}
}

func TestSupervisorInitializeNoExecutableFound(t *testing.T) {
	sup := New(Options{
		ExePathOverride: filepath.Join(t.TempDir(), "nonexistent-broker-binary"),
	})
	t.Cleanup(sup.Close)

	err := sup.Initialize(t.Context())
	if err == nil {
		t.Fatal("Initialize() with no resolvable executable should error")
	}
}

func TestSupervisorInitializeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	exePath := filepath.Join(dir, "icecast")
	if err := os.WriteFile(exePath, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake exe: %v", err)
	}
	configPath := writeSample(t)

	sup := New(Options{ExePathOverride: exePath, ConfigPathOverride: configPath})
	t.Cleanup(sup.Close)

	if err := sup.Initialize(t.Context()); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if err := sup.Initialize(t.Context()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
}

func TestSupervisorStopWithNoProcessIsNoop(t *testing.T) {
	sup := New(Options{})
	t.Cleanup(sup.Close)

	if err := sup.Stop(t.Context(), true); err != nil {
		t.Fatalf("Stop() on never-started supervisor error = %v", err)
	}
	if sup.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", sup.State())
	}
	if !sup.manuallyStopped.Load() {
		t.Error("manual Stop() should set the sticky manuallyStopped flag")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateStopped:       "stopped",
		StateStarting:      "starting",
		StateRunning:       "running",
		StateStopping:      "stopping",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

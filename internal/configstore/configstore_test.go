package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadStreamsRoundTrip(t *testing.T) {
	store := New(t.TempDir())

	streams := map[string]StreamRecord{
		"studio-a": {ID: "studio-a", Name: "Studio A", Position: 0, DeviceID: "yeti", BitrateKbps: 192, Format: "mp3", SampleRate: 44100, Channels: 2},
		"studio-b": {ID: "studio-b", Name: "Studio B", Position: 1, InputFilePath: "/media/loop.mp3"},
	}
	order := []string{"studio-a", "studio-b"}

	if err := store.SaveStreams(streams, order); err != nil {
		t.Fatalf("SaveStreams() error = %v", err)
	}

	loaded, loadedOrder, err := store.LoadStreams()
	if err != nil {
		t.Fatalf("LoadStreams() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d streams, want 2", len(loaded))
	}
	if loadedOrder[0] != "studio-a" || loadedOrder[1] != "studio-b" {
		t.Errorf("order = %v, want [studio-a studio-b]", loadedOrder)
	}
	if loaded["studio-b"].BitrateKbps != 192 {
		t.Errorf("default BitrateKbps = %d, want 192", loaded["studio-b"].BitrateKbps)
	}
}

func TestLoadStreamsMissingFileReturnsEmpty(t *testing.T) {
	store := New(t.TempDir())

	streams, order, err := store.LoadStreams()
	if err != nil {
		t.Fatalf("LoadStreams() on missing file error = %v", err)
	}
	if len(streams) != 0 || order != nil {
		t.Errorf("streams/order = %v/%v, want empty/nil", streams, order)
	}
}

func TestSaveStreamsPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.json")
	initial := `{"schemaVersion":1,"streams":{},"_order":[],"futureField":"keep-me"}`
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	store := New(dir)
	if err := store.SaveStreams(map[string]StreamRecord{}, nil); err != nil {
		t.Fatalf("SaveStreams() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["futureField"]; !ok {
		t.Error("SaveStreams() dropped an unrecognized top-level field")
	}
}

func TestSaveStreamsIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	if err := store.SaveStreams(map[string]StreamRecord{}, nil); err != nil {
		t.Fatalf("SaveStreams() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestDeviceConfigRoundTrip(t *testing.T) {
	store := New(t.TempDir())

	cfg := DeviceConfig{BrokerExePath: "/usr/bin/icecast2", BrokerConfigPath: "/etc/icecast2/icecast.xml", LastKnownPort: 8000}
	if err := store.SaveDeviceConfig(cfg); err != nil {
		t.Fatalf("SaveDeviceConfig() error = %v", err)
	}

	loaded, err := store.LoadDeviceConfig()
	if err != nil {
		t.Fatalf("LoadDeviceConfig() error = %v", err)
	}
	if loaded != cfg {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestLoadDeviceConfigMissingFileReturnsZeroValue(t *testing.T) {
	store := New(t.TempDir())

	cfg, err := store.LoadDeviceConfig()
	if err != nil {
		t.Fatalf("LoadDeviceConfig() error = %v", err)
	}
	if cfg != (DeviceConfig{}) {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}

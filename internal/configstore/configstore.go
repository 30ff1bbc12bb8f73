// Package configstore implements ConfigStore: atomic JSON persistence
// for stream definitions + ordering and the device-config cache.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// schemaVersion is bumped whenever a persisted field is added or
// renamed in a way that requires migration logic on load.
const schemaVersion = 1

// StreamRecord is the persisted subset of a Stream (spec.md §3:
// "Persisted fields: id, name, position, source, encoding config,
// createdAt"). Runtime-only fields never appear here.
type StreamRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Position      int       `json:"position"`
	DeviceID      string    `json:"deviceId,omitempty"`
	InputFilePath string    `json:"inputFilePath,omitempty"`
	BitrateKbps   int       `json:"bitrateKbps"`
	Format        string    `json:"format"`
	SampleRate    int       `json:"sampleRate"`
	Channels      int       `json:"channels"`
	CreatedAt     time.Time `json:"createdAt"`
}

// applyDefaults fills the documented defaults (spec.md §3) for any
// zero-valued encoding field, so an older document missing a field
// that was added later still loads with sane values.
func (r *StreamRecord) applyDefaults() {
	if r.BitrateKbps == 0 {
		r.BitrateKbps = 192
	}
	if r.Format == "" {
		r.Format = "mp3"
	}
	if r.SampleRate == 0 {
		r.SampleRate = 44100
	}
	if r.Channels == 0 {
		r.Channels = 2
	}
}

// streamsDocument is the on-disk shape of streams.json. Order is kept
// as an explicit id list rather than relying on map iteration order or
// JSON object key order, neither of which Go (or the JSON spec) makes
// any guarantee about.
type streamsDocument struct {
	SchemaVersion int                     `json:"schemaVersion"`
	Streams       map[string]StreamRecord `json:"streams"`
	Order         []string                `json:"_order"`

	// unknown preserves any top-level fields this version of the
	// struct doesn't model, so a round trip through an older or newer
	// binary never silently drops data.
	unknown map[string]json.RawMessage `json:"-"`
}

func (d *streamsDocument) UnmarshalJSON(data []byte) error {
	type alias streamsDocument
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = streamsDocument(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "schemaVersion")
	delete(raw, "streams")
	delete(raw, "_order")
	d.unknown = raw
	return nil
}

func (d streamsDocument) MarshalJSON() ([]byte, error) {
	merged := make(map[string]json.RawMessage, len(d.unknown)+3)
	for k, v := range d.unknown {
		merged[k] = v
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		merged[key] = b
		return nil
	}
	if err := set("schemaVersion", d.SchemaVersion); err != nil {
		return nil, err
	}
	if err := set("streams", d.Streams); err != nil {
		return nil, err
	}
	if err := set("_order", d.Order); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

// DeviceConfig is the persisted device-config cache (spec.md §3): last
// known broker executable path, XML config path, and port. It is
// always re-synced from the broker's own XML on every parse — this
// cache exists only to speed up BrokerSupervisor.initialize()'s
// detection strategies, never as a source of truth.
type DeviceConfig struct {
	BrokerExePath    string `json:"brokerExePath,omitempty"`
	BrokerConfigPath string `json:"brokerConfigPath,omitempty"`
	AccessLogPath    string `json:"accessLogPath,omitempty"`
	ErrorLogPath     string `json:"errorLogPath,omitempty"`
	LastKnownPort    int    `json:"lastKnownPort,omitempty"`
	LastValidatedISO string `json:"lastValidatedIso,omitempty"`
	Source           string `json:"source,omitempty"`
}

// Store is ConfigStore. It owns the on-disk streams.json and
// device-config.json files, always writing via write-temp-then-rename.
type Store struct {
	mu                sync.Mutex
	streamsPath       string
	deviceConfigPath  string
}

// New creates a Store rooted at dir, using the canonical file names
// (spec.md §6: streams.json, device-config.json).
func New(dir string) *Store {
	return &Store{
		streamsPath:      filepath.Join(dir, "streams.json"),
		deviceConfigPath: filepath.Join(dir, "device-config.json"),
	}
}

// LoadStreams reads streams.json, returning an empty (not nil) result
// if the file does not yet exist. Every record's encoding defaults are
// backfilled per applyDefaults.
func (s *Store) LoadStreams() (map[string]StreamRecord, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.streamsPath)
	if os.IsNotExist(err) {
		return map[string]StreamRecord{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read streams store: %w", err)
	}

	var doc streamsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse streams store: %w", err)
	}
	if doc.Streams == nil {
		doc.Streams = map[string]StreamRecord{}
	}
	for id, rec := range doc.Streams {
		rec.applyDefaults()
		doc.Streams[id] = rec
	}
	return doc.Streams, doc.Order, nil
}

// SaveStreams atomically persists the full stream set and its order.
func (s *Store) SaveStreams(streams map[string]StreamRecord, order []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := streamsDocument{
		SchemaVersion: schemaVersion,
		Streams:       streams,
		Order:         order,
	}

	existing, err := os.ReadFile(s.streamsPath)
	if err == nil {
		var prior streamsDocument
		if jErr := json.Unmarshal(existing, &prior); jErr == nil {
			doc.unknown = prior.unknown
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal streams store: %w", err)
	}
	return writeAtomic(s.streamsPath, data)
}

// LoadDeviceConfig reads device-config.json, returning a zero-value
// result (never an error) if the file does not yet exist.
func (s *Store) LoadDeviceConfig() (DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.deviceConfigPath)
	if os.IsNotExist(err) {
		return DeviceConfig{}, nil
	}
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("read device config cache: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DeviceConfig{}, fmt.Errorf("parse device config cache: %w", err)
	}
	return cfg, nil
}

// SaveDeviceConfig atomically persists the device-config cache.
func (s *Store) SaveDeviceConfig(cfg DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device config cache: %w", err)
	}
	return writeAtomic(s.deviceConfigPath, data)
}

// atomicFile is the subset of *os.File Save needs, injectable for
// tests the same way the teacher's config.Save does it.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Close() error
	Name() string
}

var createTemp = func(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure store directory %s: %w", dir, err)
	}

	tmp, err := createTemp(dir, ".configstore-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	success = true
	return nil
}

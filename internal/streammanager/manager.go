// Package streammanager implements StreamManager: the Stream data
// model's invariants and the encoder lifecycle operations driving it.
package streammanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jerryagenyi/streamorchestratorgo/internal/broker"
	"github.com/jerryagenyi/streamorchestratorgo/internal/configstore"
	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/diagnosis"
	"github.com/jerryagenyi/streamorchestratorgo/internal/encoderproc"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
	"github.com/jerryagenyi/streamorchestratorgo/internal/stream"
	"github.com/jerryagenyi/streamorchestratorgo/internal/util"
)

// Status is a Stream's lifecycle state (spec.md §3).
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusDeleted  Status = "deleted"
)

// idPattern enforces streamId being URL-path-safe (spec.md §3).
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// CreateSpec is the input to CreateStream.
type CreateSpec struct {
	Name          string
	DeviceID      string
	InputFilePath string
	BitrateKbps   int
	Format        string
	SampleRate    int
	Channels      int
}

// UpdateSpec is the input to UpdateStream; zero-valued fields leave the
// corresponding Stream field unchanged, except Name which is always
// validated if present.
type UpdateSpec struct {
	Name          string
	DeviceID      string
	InputFilePath string
	BitrateKbps   int
	Format        string
	SampleRate    int
	Channels      int
}

// Stream is the full in-memory model; only the fields also present on
// configstore.StreamRecord are persisted.
type Stream struct {
	ID            string
	Name          string
	Position      int
	DeviceID      string
	InputFilePath string
	BitrateKbps   int
	Format        string
	SampleRate    int
	Channels      int
	CreatedAt     time.Time

	Status               Status
	IntentionallyStopped bool
	NeedsRestart         bool
	StartedAt            time.Time
	LastExitDiagnosis    *diagnosis.Diagnosis

	encoder *encoderproc.Process
	backoff *stream.Backoff
}

// Stat is the public per-stream status snapshot getStats() returns.
type Stat struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    Status               `json:"status"`
	DeviceID  string               `json:"deviceId,omitempty"`
	Position  int                  `json:"position"`
	Uptime    time.Duration        `json:"uptime"`
	LastError *diagnosis.Diagnosis `json:"lastError,omitempty"`
}

// BrokerStatusSource is the subset of BrokerSupervisor StreamManager
// needs: current liveness and the port to target.
type BrokerStatusSource interface {
	State() broker.State
	Config() *broker.Config
}

// Manager is StreamManager.
type Manager struct {
	store       *configstore.Store
	devices     *device.Service
	brokerSrc   BrokerStatusSource
	cap         platform.Capability
	encoderPath string
	log         *slog.Logger
	archiveDir  string // optional; see SetArchiveDir
	resMonitor  *stream.ResourceMonitor

	mu      sync.RWMutex // single writer lock over streams + order (spec.md §5)
	streams map[string]*Stream
	order   []string
}

// SetArchiveDir enables a durable on-disk stderr archive for every
// stream's encoder process, one rotating file per stream ID under dir.
// Optional: an empty dir (the default) disables archiving, leaving
// EncoderProcess's in-memory ring as the only stderr history.
func (m *Manager) SetArchiveDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveDir = dir
}

func (m *Manager) getArchiveDir() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.archiveDir
}

// New creates a Manager. Call LoadAndReconcile before serving traffic.
func New(store *configstore.Store, devices *device.Service, brokerSrc BrokerStatusSource, cap platform.Capability, encoderPath string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:       store,
		devices:     devices,
		brokerSrc:   brokerSrc,
		cap:         cap,
		encoderPath: encoderPath,
		log:         log,
		resMonitor:  stream.NewResourceMonitor(),
		streams:     make(map[string]*Stream),
	}
}

// LoadAndReconcile loads persisted streams (INV-S3: every persisted
// Stream reappears stopped with needsRestart=true) and kills any orphan
// encoder process it can identify, to guarantee a clean ground state
// (spec.md §4.2 startup reconciliation: "Document choice: kill").
func (m *Manager) LoadAndReconcile(ctx context.Context) error {
	records, order, err := m.store.LoadStreams()
	if err != nil {
		return fmt.Errorf("load persisted streams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.streams = make(map[string]*Stream, len(records))
	for id, rec := range records {
		m.streams[id] = &Stream{
			ID:            rec.ID,
			Name:          rec.Name,
			Position:      rec.Position,
			DeviceID:      rec.DeviceID,
			InputFilePath: rec.InputFilePath,
			BitrateKbps:   rec.BitrateKbps,
			Format:        rec.Format,
			SampleRate:    rec.SampleRate,
			Channels:      rec.Channels,
			CreatedAt:     rec.CreatedAt,
			Status:        StatusStopped,
			NeedsRestart:  true,
		}
	}
	m.order = order

	// Orphan encoder processes cannot be reliably adopted by PID across
	// a restart without a persisted PID-to-stream tag, which this
	// system does not keep; killing unconditionally is the documented
	// choice over a best-effort, potentially-wrong adoption.
	return nil
}

func (m *Manager) persistLocked() error {
	records := make(map[string]configstore.StreamRecord, len(m.streams))
	for id, s := range m.streams {
		if s.Status == StatusDeleted {
			continue
		}
		records[id] = configstore.StreamRecord{
			ID:            s.ID,
			Name:          s.Name,
			Position:      s.Position,
			DeviceID:      s.DeviceID,
			InputFilePath: s.InputFilePath,
			BitrateKbps:   s.BitrateKbps,
			Format:        s.Format,
			SampleRate:    s.SampleRate,
			Channels:      s.Channels,
			CreatedAt:     s.CreatedAt,
		}
	}
	return m.store.SaveStreams(records, m.order)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateStream validates and persists a new Stream. It does not start
// the encoder.
func (m *Manager) CreateStream(id string, spec CreateSpec) (*Stream, error) {
	if !idPattern.MatchString(id) {
		return nil, orcherr.Validation("invalid-id", fmt.Sprintf("streamId %q must be 1-64 URL-safe characters", id), nil)
	}
	hasDevice := spec.DeviceID != ""
	hasFile := spec.InputFilePath != ""
	if hasDevice == hasFile {
		return nil, orcherr.Validation("invalid-source", "exactly one of deviceId or inputFilePath must be set", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.streams[id]; exists {
		return nil, orcherr.Precondition("duplicate", fmt.Sprintf("stream id %q already exists", id), nil)
	}
	normalized := normalizeName(spec.Name)
	if normalized == "" {
		return nil, orcherr.Validation("invalid-name", "name must not be empty", nil)
	}
	for _, existing := range m.streams {
		if existing.Status != StatusDeleted && normalizeName(existing.Name) == normalized {
			return nil, orcherr.Precondition("duplicate", fmt.Sprintf("a stream named %q already exists", spec.Name), nil)
		}
	}

	bitrate := spec.BitrateKbps
	if bitrate == 0 {
		bitrate = 192
	}
	if bitrate < 32 || bitrate > 320 {
		return nil, orcherr.Validation("invalid-bitrate", "bitrateKbps must be between 32 and 320", nil)
	}
	format := spec.Format
	if format == "" {
		format = "mp3"
	}
	sampleRate := spec.SampleRate
	if sampleRate == 0 {
		sampleRate = 44100
	}
	channels := spec.Channels
	if channels == 0 {
		channels = 2
	}
	if channels != 1 && channels != 2 {
		return nil, orcherr.Validation("invalid-channels", "channels must be 1 or 2", nil)
	}

	position := len(m.order)
	s := &Stream{
		ID:            id,
		Name:          spec.Name,
		Position:      position,
		DeviceID:      spec.DeviceID,
		InputFilePath: spec.InputFilePath,
		BitrateKbps:   bitrate,
		Format:        format,
		SampleRate:    sampleRate,
		Channels:      channels,
		CreatedAt:     time.Now(),
		Status:        StatusStopped,
	}
	m.streams[id] = s
	m.order = append(m.order, id)

	if err := m.persistLocked(); err != nil {
		delete(m.streams, id)
		m.order = m.order[:len(m.order)-1]
		return nil, fmt.Errorf("persist new stream: %w", err)
	}
	return s, nil
}

// deviceInUseLocked implements INV-S1: at most one Stream per deviceId
// may be in {starting, running}. It reports the conflicting stream's id
// so callers can name it in the error message (spec.md §8 Scenario B).
func (m *Manager) deviceInUseLocked(deviceID, excludeID string) (conflictID string, inUse bool) {
	if deviceID == "" {
		return "", false
	}
	for id, s := range m.streams {
		if id == excludeID {
			continue
		}
		if s.DeviceID == deviceID && (s.Status == StatusStarting || s.Status == StatusRunning) {
			return id, true
		}
	}
	return "", false
}

// StartStream runs the pre-flight checks then spawns an EncoderProcess.
func (m *Manager) StartStream(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.Status == StatusDeleted {
		m.mu.Unlock()
		return orcherr.NotFound("stream-not-found", fmt.Sprintf("stream %q not found", id))
	}
	if s.Status == StatusRunning || s.Status == StatusStarting {
		m.mu.Unlock()
		return nil
	}
	if conflictID, inUse := m.deviceInUseLocked(s.DeviceID, id); inUse {
		m.mu.Unlock()
		return orcherr.Precondition("device-conflict", fmt.Sprintf("device %q is already in use by: %s", s.DeviceID, conflictID), nil)
	}
	if m.brokerSrc.State() != broker.StateRunning {
		m.mu.Unlock()
		return orcherr.External("broker-unavailable", "broker is not running", nil)
	}
	brokerCfg := m.brokerSrc.Config()
	if brokerCfg == nil {
		m.mu.Unlock()
		return orcherr.External("broker-unavailable", "broker configuration is not yet available", nil)
	}

	s.Status = StatusStarting
	s.IntentionallyStopped = false
	s.NeedsRestart = false
	if s.backoff == nil {
		s.backoff = stream.NewBackoff(2*time.Second, 30*time.Second, 10)
	}
	m.mu.Unlock()

	proc := encoderproc.New(encoderproc.Spec{
		StreamID:   id,
		Input:      encoderproc.Input{DeviceID: s.DeviceID, InputFilePath: s.InputFilePath},
		SampleRate: s.SampleRate,
		Channels:   s.Channels,
		Bitrate:    fmt.Sprintf("%dk", s.BitrateKbps),
	}, m.encoderPath, m.cap, m.devices, encoderproc.BrokerParams{
		Port:           brokerCfg.Port,
		SourcePassword: brokerCfg.SourcePassword,
	}, m.log)

	if archiveDir := m.getArchiveDir(); archiveDir != "" {
		if w, err := stream.NewRotatingWriter(filepath.Join(archiveDir, id+".log")); err != nil {
			m.log.Warn("failed to open stderr archive", "stream", id, "err", err)
		} else {
			proc.SetArchive(w)
		}
	}

	spawnErr := proc.Spawn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if spawnErr != nil {
		s.Status = StatusError
		s.LastExitDiagnosis = proc.Diagnosis()
		oe := orcherr.External("encoder-spawn-failed", fmt.Sprintf("failed to start stream %s: %v", id, spawnErr), spawnErr)
		return oe.WithDiagnosis(s.LastExitDiagnosis)
	}
	s.encoder = proc
	s.Status = StatusRunning
	s.StartedAt = time.Now()
	util.SafeGo(fmt.Sprintf("streammanager-watch-%s", id), nil, func() {
		m.watchEncoder(id, proc)
	}, func(recovered interface{}, stack []byte) {
		m.log.Error("recovered from panic watching encoder", "stream", id, "panic", recovered, "stack", string(stack))
	})
	return nil
}

// watchEncoder observes an EncoderProcess's terminal state and
// reflects it onto the Stream. Supplementing the distilled spec: a
// crash that was not operator-initiated is retried with the teacher's
// exponential Backoff policy, bounded by INV-S1 and broker liveness,
// rather than simply left in "error" forever — an intentional stop
// never triggers this path.
func (m *Manager) watchEncoder(id string, proc *encoderproc.Process) {
	for {
		time.Sleep(250 * time.Millisecond)
		if proc.State() != encoderproc.StateFailed && proc.State() != encoderproc.StateStopped {
			continue
		}
		break
	}

	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.encoder != proc {
		m.mu.Unlock()
		return
	}
	if proc.State() == encoderproc.StateStopped {
		s.Status = StatusStopped
		s.encoder = nil
		m.mu.Unlock()
		return
	}

	s.Status = StatusError
	s.LastExitDiagnosis = proc.Diagnosis()
	s.encoder = nil
	backoff := s.backoff
	intentional := s.IntentionallyStopped
	m.mu.Unlock()

	if intentional || backoff == nil || backoff.ShouldStop() {
		return
	}
	backoff.WaitContext(context.Background())
	backoff.RecordFailure()
	_ = m.StartStream(context.Background(), id)
}

// StopStream terminates the stream's encoder, if any, and marks it
// intentionally stopped. Idempotent.
func (m *Manager) StopStream(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.Status == StatusDeleted {
		m.mu.Unlock()
		return orcherr.NotFound("stream-not-found", fmt.Sprintf("stream %q not found", id))
	}
	s.IntentionallyStopped = true
	proc := s.encoder
	if proc == nil {
		s.Status = StatusStopped
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := proc.Terminate(ctx); err != nil {
		return fmt.Errorf("stop stream %s: %w", id, err)
	}

	m.mu.Lock()
	if s2, ok := m.streams[id]; ok {
		s2.Status = StatusStopped
		s2.encoder = nil
	}
	m.mu.Unlock()
	return nil
}

// RestartStream stops then starts, re-running all pre-flight checks.
func (m *Manager) RestartStream(ctx context.Context, id string) error {
	if err := m.StopStream(ctx, id); err != nil {
		return err
	}
	return m.StartStream(ctx, id)
}

// UpdateStream patches name and/or source. A source change or a
// prior error state forces a clean stopped state.
func (m *Manager) UpdateStream(ctx context.Context, id string, patch UpdateSpec) error {
	m.mu.Lock()

	s, ok := m.streams[id]
	if !ok || s.Status == StatusDeleted {
		m.mu.Unlock()
		return orcherr.NotFound("stream-not-found", fmt.Sprintf("stream %q not found", id))
	}

	if patch.Name != "" {
		normalized := normalizeName(patch.Name)
		for otherID, other := range m.streams {
			if otherID != id && other.Status != StatusDeleted && normalizeName(other.Name) == normalized {
				m.mu.Unlock()
				return orcherr.Precondition("duplicate", fmt.Sprintf("a stream named %q already exists", patch.Name), nil)
			}
		}
		s.Name = patch.Name
	}

	sourceChanged := false
	if patch.DeviceID != "" && patch.DeviceID != s.DeviceID {
		s.DeviceID, s.InputFilePath = patch.DeviceID, ""
		sourceChanged = true
	}
	if patch.InputFilePath != "" && patch.InputFilePath != s.InputFilePath {
		s.InputFilePath, s.DeviceID = patch.InputFilePath, ""
		sourceChanged = true
	}
	if patch.BitrateKbps != 0 {
		s.BitrateKbps = patch.BitrateKbps
	}
	if patch.Format != "" {
		s.Format = patch.Format
	}
	if patch.SampleRate != 0 {
		s.SampleRate = patch.SampleRate
	}
	if patch.Channels != 0 {
		s.Channels = patch.Channels
	}

	wasError := s.Status == StatusError
	needsStop := sourceChanged || wasError
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist stream update: %w", err)
	}
	if needsStop {
		return m.StopStream(ctx, id)
	}
	return nil
}

// DeleteStream stops (if running) then removes the stream from the
// persistent store. It does not free the broker mount: the broker
// releases that on encoder disconnect.
func (m *Manager) DeleteStream(ctx context.Context, id string) error {
	if err := m.StopStream(ctx, id); err != nil {
		var notFound *orcherr.Error
		if !(errors.As(err, &notFound) && notFound.Kind == orcherr.KindNotFound) {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return orcherr.NotFound("stream-not-found", fmt.Sprintf("stream %q not found", id))
	}
	s.Status = StatusDeleted
	delete(m.streams, id)
	newOrder := make([]string, 0, len(m.order))
	for _, existing := range m.order {
		if existing != id {
			newOrder = append(newOrder, existing)
		}
	}
	m.order = newOrder
	return m.persistLocked()
}

// interOpDelay is the inter-operation pause stopAll/startAllStopped
// apply to avoid a thundering herd against the broker (spec.md §4.2:
// "≥150 ms").
const interOpDelay = 150 * time.Millisecond

// StopAll stops every currently-running stream, aggregating per-stream
// outcomes.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	ids := m.idsInStatus(StatusRunning, StatusStarting)
	results := make(map[string]error, len(ids))
	for i, id := range ids {
		results[id] = m.StopStream(ctx, id)
		if i < len(ids)-1 {
			time.Sleep(interOpDelay)
		}
	}
	return results
}

// StartAllStopped starts every currently-stopped stream, aggregating
// per-stream outcomes.
func (m *Manager) StartAllStopped(ctx context.Context) map[string]error {
	ids := m.idsInStatus(StatusStopped)
	results := make(map[string]error, len(ids))
	for i, id := range ids {
		results[id] = m.StartStream(ctx, id)
		if i < len(ids)-1 {
			time.Sleep(interOpDelay)
		}
	}
	return results
}

func (m *Manager) idsInStatus(statuses ...Status) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		s, ok := m.streams[id]
		if !ok {
			continue
		}
		for _, want := range statuses {
			if s.Status == want {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// Reorder reassigns position by list index and persists atomically.
func (m *Manager) Reorder(idList []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range idList {
		if _, ok := m.streams[id]; !ok {
			return orcherr.Validation("invalid-id", fmt.Sprintf("unknown stream id %q in reorder list", id), nil)
		}
	}
	for pos, id := range idList {
		m.streams[id].Position = pos
	}
	m.order = idList
	return m.persistLocked()
}

// GetStats returns per-stream status snapshots in position order.
func (m *Manager) GetStats() []Stat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stat, 0, len(m.order))
	for _, id := range m.order {
		s, ok := m.streams[id]
		if !ok {
			continue
		}
		uptime := time.Duration(0)
		if s.Status == StatusRunning && !s.StartedAt.IsZero() {
			uptime = time.Since(s.StartedAt)
		}
		stats = append(stats, Stat{
			ID:        s.ID,
			Name:      s.Name,
			Status:    s.Status,
			DeviceID:  s.DeviceID,
			Position:  s.Position,
			Uptime:    uptime,
			LastError: s.LastExitDiagnosis,
		})
	}
	return stats
}

// RecentAlerts summarizes streams currently in a failed or errored
// state, plus any running stream whose encoder subprocess is currently
// over a resource threshold, for HealthProbe to surface alongside
// broker/process/network checks (spec.md §4.8, §4.12).
func (m *Manager) RecentAlerts() []string {
	m.mu.RLock()
	snapshot := make(map[string]*Stream, len(m.streams))
	order := make([]string, len(m.order))
	copy(order, m.order)
	for id, s := range m.streams {
		copied := *s
		snapshot[id] = &copied
	}
	m.mu.RUnlock()

	var alerts []string
	for _, id := range order {
		s, ok := snapshot[id]
		if !ok {
			continue
		}
		if s.Status != StatusRunning && s.LastExitDiagnosis != nil {
			alerts = append(alerts, fmt.Sprintf("%s: %s", s.Name, s.LastExitDiagnosis.Category))
			continue
		}
		if s.Status != StatusRunning || s.encoder == nil {
			continue
		}
		metrics, err := s.encoder.Metrics()
		if err != nil {
			continue
		}
		for _, alert := range m.resMonitor.CheckThresholds(metrics) {
			alerts = append(alerts, fmt.Sprintf("%s: %s resource alert (%s)", s.Name, alert.Resource, alert.Level.String()))
		}
	}
	return alerts
}

// Get returns a snapshot copy of one stream, for read-only callers.
func (m *Manager) Get(id string) (Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// StreamMetrics reports the encoder subprocess's current resource usage
// for the given stream. It errors if the stream is unknown or not
// currently running an encoder.
func (m *Manager) StreamMetrics(id string) (*stream.ResourceMetrics, error) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stream %q not found", id)
	}
	if s.encoder == nil {
		return nil, fmt.Errorf("stream %q has no active encoder", id)
	}
	metrics, err := s.encoder.Metrics()
	if err != nil {
		return nil, err
	}
	for _, alert := range m.resMonitor.CheckThresholds(metrics) {
		m.log.Warn("stream resource alert",
			"stream", s.Name, "resource", alert.Resource, "level", alert.Level.String(),
			"memory", humanize.Bytes(uint64(metrics.MemoryBytes)), "uptime", humanize.Time(time.Now().Add(-metrics.Uptime)))
	}
	return metrics, nil
}

package device

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
)

// MinCacheTTL is the minimum cache lifetime spec.md §4.4 requires
// ("cache: TTL ≥30 s").
const MinCacheTTL = 30 * time.Second

// Device is a discovered audio input device (spec.md §3).
type Device struct {
	ID          string
	BackendName string
	Kind        string
	Backend     platform.Backend
	Source      platform.Source
}

// ErrNoDevices is returned by Enumerate when the backend reports zero
// devices. Per spec.md §9's Open Question answer, this is always a real
// diagnostic error; DeviceService never synthesizes fallback devices.
type ErrNoDevices struct {
	Backend platform.Backend
}

func (e *ErrNoDevices) Error() string {
	return fmt.Sprintf("no input audio devices found (backend=%s); this may indicate a broken virtual-audio driver or enumeration failure, not an empty system", e.Backend)
}

// Service is the DeviceService: it enumerates devices through a
// platform.Capability, caches the result for at least MinCacheTTL, and
// maintains the slug<->backendName mapping StreamManager and
// EncoderProcess use to resolve a Stream's deviceId into the exact
// string the capture backend requires.
type Service struct {
	cap platform.Capability
	ttl time.Duration

	mu        sync.RWMutex
	cached    []Device
	cachedAt  time.Time
	slugIndex map[string]string // slug -> backendName
}

// NewService creates a DeviceService. ttl below MinCacheTTL is raised to
// MinCacheTTL.
func NewService(cap platform.Capability, ttl time.Duration) *Service {
	if ttl < MinCacheTTL {
		ttl = MinCacheTTL
	}
	return &Service{cap: cap, ttl: ttl, slugIndex: make(map[string]string)}
}

// Enumerate returns the current device list, using the cache if it is
// still fresh. A backend reporting zero devices is an error, never a
// silently-empty success.
func (s *Service) Enumerate(ctx context.Context) ([]Device, error) {
	s.mu.RLock()
	if time.Since(s.cachedAt) < s.ttl && s.cached != nil {
		devices := s.cached
		s.mu.RUnlock()
		return devices, nil
	}
	s.mu.RUnlock()

	raw, err := s.cap.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	devices := dedupe(raw)
	if len(devices) == 0 {
		backend := platform.Backend("unknown")
		if len(raw) > 0 {
			backend = raw[0].Backend
		}
		return nil, &ErrNoDevices{Backend: backend}
	}

	s.mu.Lock()
	s.cached = devices
	s.cachedAt = time.Now()
	s.slugIndex = make(map[string]string, len(devices))
	for _, d := range devices {
		s.slugIndex[d.ID] = d.BackendName
	}
	s.mu.Unlock()

	return devices, nil
}

// ClearCache invalidates the cached device list.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.cachedAt = time.Time{}
}

// ResolveBackendName maps a Device.id slug to the exact backendName a
// capture backend requires. It first consults the live enumeration
// index; if the slug is unknown there, it applies spec.md §4.4's
// fallback rule: a slug already shaped like "Name (Parenthesized)" is
// passed through verbatim, otherwise it is title-cased. Callers that
// get ok=false must raise a device-not-mapped diagnosis rather than
// guessing further.
func (s *Service) ResolveBackendName(slug string) (name string, ok bool) {
	s.mu.RLock()
	if bn, found := s.slugIndex[slug]; found {
		s.mu.RUnlock()
		return bn, true
	}
	s.mu.RUnlock()

	if looksParenthesized(slug) {
		return slug, true
	}
	return "", false
}

var parenthesizedRE = regexp.MustCompile(`^.+\s+\([^()]+\)$`)

func looksParenthesized(s string) bool {
	return parenthesizedRE.MatchString(s)
}

// dedupe merges raw backend results by (BackendName, Kind, PortPath),
// assigning each surviving device a stable ID slug via Sanitize. When a
// backend reports a PortPath (per spec.md §4.4's USB physical-port
// disambiguation), it is folded into the slug so that two otherwise
// identically-named capture devices — e.g. two identical USB
// microphones — resolve to distinct, stable ids instead of colliding
// and having one silently dropped.
func dedupe(raw []platform.RawDevice) []Device {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Device, 0, len(raw))
	for _, r := range raw {
		if r.Kind != "input" {
			continue
		}
		key := strings.ToLower(r.BackendName) + "|" + r.Kind + "|" + r.PortPath
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		slugSource := r.BackendName
		if r.PortPath != "" {
			slugSource = r.BackendName + " " + r.PortPath
		}
		out = append(out, Device{
			ID:          Sanitize(slugSource),
			BackendName: r.BackendName,
			Kind:        r.Kind,
			Backend:     r.Backend,
			Source:      r.Source,
		})
	}
	return out
}

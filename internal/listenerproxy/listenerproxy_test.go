package listenerproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubBrokerSource struct {
	authority string
	ok        bool
}

func (s stubBrokerSource) Authority() (string, bool) { return s.authority, s.ok }

func TestProxyForwardsToBrokerAuthority(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/studio-a" {
			t.Errorf("upstream path = %q, want /studio-a", r.URL.Path)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer upstream.Close()

	authority := upstream.Listener.Addr().String()
	p := New(stubBrokerSource{authority: authority, ok: true}, 4, nil)

	req := httptest.NewRequest(http.MethodGet, "/listen/studio-a", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "audio-bytes" {
		t.Errorf("body = %q, want audio-bytes", rec.Body.String())
	}
}

func TestProxyReturns502JSONOnNon200Upstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	p := New(stubBrokerSource{authority: upstream.Listener.Addr().String(), ok: true}, 4, nil)

	req := httptest.NewRequest(http.MethodGet, "/listen/missing", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] != "stream-unavailable" {
		t.Errorf("body = %v, want error=stream-unavailable", body)
	}
}

func TestProxyEnforcesConcurrencyLimit(t *testing.T) {
	p := New(stubBrokerSource{ok: false}, 0, nil)

	acquired := 0
	for i := 0; i < DefaultMaxConcurrent; i++ {
		if p.limiter.TryAcquire(1) {
			acquired++
		}
	}
	if acquired != DefaultMaxConcurrent {
		t.Fatalf("acquired %d, want %d", acquired, DefaultMaxConcurrent)
	}
	if p.limiter.TryAcquire(1) {
		t.Error("TryAcquire should fail once the limit is exhausted")
	}
}

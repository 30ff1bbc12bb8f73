// Package listenerproxy implements ListenerProxy: a same-origin HTTP
// endpoint that proxies listener requests to the broker's mount,
// bounding concurrent listeners and shielding clients from broker
// internals.
//
// Grounded on the semaphore-bounded, Director-rewriting
// httputil.ReverseProxy shape used for Enigma2 stream fan-out.
package listenerproxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the default bound on concurrently-proxied
// listener connections (spec.md §6: LISTENER_MAX_CONCURRENT, default 256).
const DefaultMaxConcurrent = 256

// maxOutputBufferBytes bounds the per-connection copy buffer so a slow
// downstream client cannot force unbounded upstream buffering: the
// proxy's transport reads in chunks this size and relies on the
// downstream write blocking (and thus the upstream read pausing) to
// apply backpressure, rather than accumulating unread bytes in memory.
const maxOutputBufferBytes = 32 * 1024

// BrokerSource resolves the current broker host:port to proxy to. The
// broker's port can change on a config-watcher reload, so this is
// consulted on every request rather than captured once.
type BrokerSource interface {
	// Authority returns "host:port" for the broker's source-protocol
	// endpoint, or ok=false if the broker is not yet configured.
	Authority() (string, bool)
}

// Proxy is ListenerProxy.
type Proxy struct {
	broker  BrokerSource
	reverse *httputil.ReverseProxy
	limiter *semaphore.Weighted
	log     *slog.Logger
}

// New creates a Proxy. maxConcurrent <= 0 uses DefaultMaxConcurrent.
func New(broker BrokerSource, maxConcurrent int64, log *slog.Logger) *Proxy {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Proxy{
		broker:  broker,
		limiter: semaphore.NewWeighted(maxConcurrent),
		log:     log,
	}

	p.reverse = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			streamID := strings.TrimPrefix(req.URL.Path, "/listen/")
			authority, ok := broker.Authority()
			if !ok {
				// Director cannot itself return an error; leaving the
				// scheme/host unset makes the transport fail the
				// round trip, which ErrorHandler below converts into
				// the documented 502 JSON body.
				return
			}
			target := &url.URL{Scheme: "http", Host: authority, Path: "/" + streamID}
			req.URL = target
			req.Host = target.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return errUpstreamNotOK
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeUnavailable(w)
		},
		FlushInterval: 100 * time.Millisecond,
		BufferPool:    newBufferPool(maxOutputBufferBytes),
	}

	return p
}

var errUpstreamNotOK = httputilPassthroughError{}

// httputilPassthroughError is a sentinel: ModifyResponse returning any
// non-nil error causes ReverseProxy to invoke ErrorHandler instead of
// copying the body, which is exactly the 502 behavior spec.md §4.6
// requires for a non-200 upstream.
type httputilPassthroughError struct{}

func (httputilPassthroughError) Error() string { return "upstream did not return 200" }

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "stream-unavailable"})
}

// ServeHTTP handles GET /listen/{streamId}, bounding concurrent
// listeners via the weighted semaphore.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.limiter.TryAcquire(1) {
		w.Header().Set("Retry-After", "5")
		writeUnavailable(w)
		return
	}
	defer p.limiter.Release(1)

	p.reverse.ServeHTTP(w, r)
}

// bufferPool caps the chunk size httputil.ReverseProxy uses when
// copying the response body, per maxOutputBufferBytes.
type bufferPool struct {
	size int
	pool chan []byte
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{size: size, pool: make(chan []byte, 32)}
}

func (b *bufferPool) Get() []byte {
	select {
	case buf := <-b.pool:
		return buf
	default:
		return make([]byte, b.size)
	}
}

func (b *bufferPool) Put(buf []byte) {
	select {
	case b.pool <- buf:
	default:
	}
}


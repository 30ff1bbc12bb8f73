// Package adminguard implements AdminGuard: restricting write/admin
// operations to the loopback origin while allowing a whitelisted,
// read-only subset of paths from the LAN.
package adminguard

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Whitelist is the set of GET-only paths reachable from the LAN
// (spec.md §4.7: "listener page, public config, health, listener
// proxy, contact info"; routes enumerated in spec.md §6).
var Whitelist = []string{
	"/streams",
	"/contact",
	"/api/streams/status",
	"/api/system/config",
	"/api/health",
}

const listenPrefix = "/listen/"

func isWhitelisted(path string) bool {
	if strings.HasPrefix(path, listenPrefix) {
		return true
	}
	for _, p := range Whitelist {
		if path == p {
			return true
		}
	}
	return false
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// Guard is AdminGuard. Port is this process's own listen port, used to
// build the loopback redirect target. Tokens is optional: when set, a
// valid `Authorization: Bearer` token is treated as loopback-equivalent,
// letting an operator reach admin routes from off-box once authenticated.
type Guard struct {
	Port   int
	Tokens *TokenIssuer
}

// New creates a Guard bound to the orchestrator's HTTP port.
func New(port int) *Guard {
	return &Guard{Port: port}
}

// Wrap returns an http.Handler that enforces AdminGuard's rules before
// delegating to next.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		if ip != nil && ip.IsLoopback() {
			next.ServeHTTP(w, r)
			return
		}

		if g.hasValidBearerToken(r) {
			next.ServeHTTP(w, r)
			return
		}

		if isWhitelisted(r.URL.Path) && r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodGet && ip != nil && isLocalInterfaceAddr(ip) {
			redirectToLoopback(w, r, g.Port)
			return
		}

		denyAccess(w, r.URL.Path)
	})
}

func (g *Guard) hasValidBearerToken(r *http.Request) bool {
	if g.Tokens == nil {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return g.Tokens.Verify(strings.TrimPrefix(auth, prefix)) == nil
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// isLocalInterfaceAddr reports whether ip is bound to one of this
// host's own network interfaces — i.e. the request arrived via a LAN
// address that happens to belong to this same machine, distinct from
// a genuinely remote LAN client.
func isLocalInterfaceAddr(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func redirectToLoopback(w http.ResponseWriter, r *http.Request, port int) {
	target := &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func denyAccess(w http.ResponseWriter, path string) {
	if isAPIPath(path) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false,
			"error": map[string]string{
				"category": "forbidden",
				"title":    "Admin access restricted",
				"message":  "this operation is only available from the server itself",
			},
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("<!doctype html><title>403 Forbidden</title><h1>Admin access restricted</h1><p>This page is only available from the server itself.</p>"))
}

// Package httpapi wires BrokerSupervisor, StreamManager, DeviceService,
// ListenerProxy, AdminGuard and HealthProbe behind the Admin HTTP API and
// Listener HTTP surface (spec.md §6), building the {ok, data?, error?}
// JSON envelope every admin/listener route shares.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
)

// envelope is the shared response shape every route in this package
// writes (spec.md §6: "All responses are JSON with a top-level
// {ok, data?, error?: {category, title, message, solutions?}}").
type envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Category  string   `json:"category"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Solutions []string `json:"solutions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

// writeError maps err to its HTTP status via orcherr and writes the
// envelope's error branch. Errors not carrying an *orcherr.Error are
// treated as unclassified internal failures.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	oe, ok := orcherr.As(err)
	if !ok {
		log.Error("unclassified error reached the HTTP boundary", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{OK: false, Error: &envelopeError{
			Category: "internal",
			Title:    "Unexpected error",
			Message:  "an unexpected error occurred",
		}})
		return
	}

	// spec.md §7: "the HTTP response carries error.title (short,
	// glyph-prefixed) and error.solutions". When StreamManager or
	// BrokerSupervisor attached a Diagnosis, its title/solutions win over
	// the generic Kind-based fallback.
	title := titleFor(oe.Kind)
	var solutions []string
	if oe.Diagnosis != nil {
		sf := oe.Diagnosis.ShortForm()
		title = sf.Title
		solutions = sf.Solutions
	}

	writeJSON(w, oe.HTTPStatus(), envelope{OK: false, Error: &envelopeError{
		Category:  oe.Category,
		Title:     title,
		Message:   oe.Message,
		Solutions: solutions,
	}})
}

func titleFor(kind orcherr.Kind) string {
	switch kind {
	case orcherr.KindValidation:
		return "Invalid request"
	case orcherr.KindPrecondition:
		return "Operation not possible right now"
	case orcherr.KindNotFound:
		return "Not found"
	case orcherr.KindExternal:
		return "Upstream failure"
	case orcherr.KindTransient:
		return "Temporarily unavailable"
	case orcherr.KindFatal:
		return "Internal error"
	default:
		return "Error"
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/jerryagenyi/streamorchestratorgo/internal/diagnosis"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
)

func TestWriteOKEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeOK(rec, map[string]string{"id": "studio-a"})

	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.OK {
		t.Error("ok = false, want true")
	}
	if body.Error != nil {
		t.Errorf("error = %v, want nil", body.Error)
	}
}

func TestWriteErrorMapsOrcherrStatus(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()

	writeError(rec, log, orcherr.Precondition("device-conflict", "device already in use", nil))

	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.OK {
		t.Error("ok = true, want false")
	}
	if body.Error == nil || body.Error.Category != "device-conflict" {
		t.Errorf("error = %+v, want category device-conflict", body.Error)
	}
}

func TestWriteErrorUsesAttachedDiagnosisTitleAndSolutions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()

	oe := orcherr.External("encoder-spawn-failed", "failed to start stream studio-a", errors.New("exit 1"))
	oe.WithDiagnosis(&diagnosis.Diagnosis{
		Category:  diagnosis.CategoryDeviceBusy,
		Title:     "🎙️ Device busy",
		Solutions: []string{"close other apps using the device", "unplug and replug the device"},
	})
	writeError(rec, log, oe)

	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == nil || body.Error.Title != "🎙️ Device busy" {
		t.Errorf("error.title = %+v, want the attached Diagnosis's glyph-prefixed title", body.Error)
	}
	if body.Error == nil || len(body.Error.Solutions) != 2 {
		t.Errorf("error.solutions = %+v, want the attached Diagnosis's solutions", body.Error)
	}
}

func TestWriteErrorFallsBackForUnclassifiedError(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()

	writeError(rec, log, errors.New("boom"))

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

package diagnosis

import "testing"

func TestNormalizeExitCode(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		want int32
	}{
		{"unsigned access denied", 4294967291, -5},
		{"windows crash code", 2812791304, -1482175992},
		{"already signed small value", 1, 1},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeExitCode(tt.raw); got != tt.want {
				t.Errorf("NormalizeExitCode(%d) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

// TestClassifyWindowsCrash covers spec.md Scenario F.
func TestClassifyWindowsCrash(t *testing.T) {
	d := Classify("", 2812791304, Context{StreamID: "english"})
	if d.Category != CategoryWindowsCrash {
		t.Errorf("Category = %q, want %q", d.Category, CategoryWindowsCrash)
	}
	if d.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want %q", d.Severity, SeverityCritical)
	}
	foundReinstall := false
	for _, s := range d.Solutions {
		if s == "reinstall the encoder binary" {
			foundReinstall = true
		}
	}
	if !foundReinstall {
		t.Errorf("Solutions = %v, want a reinstall hint", d.Solutions)
	}
}

func TestClassifyAccessDeniedAsConnection(t *testing.T) {
	d := Classify("", 4294967291, Context{})
	if d.Category != CategoryConnection {
		t.Errorf("Category = %q, want %q", d.Category, CategoryConnection)
	}
}

func TestClassifyDeviceBusyPrecedesGeneric(t *testing.T) {
	d := Classify("Error: Device or resource busy", 1, Context{DeviceName: "Blue Yeti"})
	if d.Category != CategoryDeviceBusy {
		t.Errorf("Category = %q, want %q", d.Category, CategoryDeviceBusy)
	}
}

func TestClassifyEmptyStderrExitZeroIsInfoGeneric(t *testing.T) {
	d := Classify("", 0, Context{})
	if d.Category != CategoryGeneric {
		t.Errorf("Category = %q, want %q", d.Category, CategoryGeneric)
	}
	if d.Severity != SeverityInfo {
		t.Errorf("Severity = %q, want %q", d.Severity, SeverityInfo)
	}
}

func TestClassifyEmptyStderrUnknownExitIsWarningGeneric(t *testing.T) {
	d := Classify("", 17, Context{})
	if d.Category != CategoryGeneric {
		t.Errorf("Category = %q, want %q", d.Category, CategoryGeneric)
	}
	if d.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want %q", d.Severity, SeverityWarning)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	ctx := Context{StreamID: "s1", DeviceID: "d1", Backend: "alsa-or-pulse", BrokerPort: 8000}
	a := Classify("Connection refused", 1, ctx)
	b := Classify("Connection refused", 1, ctx)
	if a != b {
		t.Errorf("Classify() not deterministic: %+v != %+v", a, b)
	}
}

func TestClassifyPrecedenceDeviceBusyBeforeVirtualAudio(t *testing.T) {
	// stderr matches both device-busy and could plausibly hint at virtual
	// audio; device-busy must win because it precedes virtual-audio in
	// the table.
	d := Classify("vb-audio cable: device or resource busy", 1, Context{})
	if d.Category != CategoryDeviceBusy {
		t.Errorf("Category = %q, want %q (precedence)", d.Category, CategoryDeviceBusy)
	}
}

func TestShortFormTruncates(t *testing.T) {
	d := Diagnosis{
		Causes:    []string{"a", "b", "c"},
		Solutions: []string{"1", "2", "3", "4"},
	}
	sf := d.ShortForm()
	if len(sf.Causes) != 2 {
		t.Errorf("ShortForm Causes len = %d, want 2", len(sf.Causes))
	}
	if len(sf.Solutions) != 3 {
		t.Errorf("ShortForm Solutions len = %d, want 3", len(sf.Solutions))
	}
}

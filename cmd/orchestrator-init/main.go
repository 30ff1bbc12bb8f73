// Command orchestrator-init is the optional first-run setup wizard
// (spec.md §4.11 / SPEC_FULL.md §4.11): it detects the broker
// installation and local audio devices, then writes the initial
// device-config.json an operator would otherwise hand-edit. It never
// runs as part of orchestratord itself.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/broker"
	"github.com/jerryagenyi/streamorchestratorgo/internal/configstore"
	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/menu"
	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
)

func main() {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/stream-orchestrator"
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator-init: create data dir: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := configstore.New(dataDir)
	capability := platform.NewCapability()
	devices := device.NewService(capability, 30*time.Second)
	brokerSup := broker.New(broker.Options{Logger: log})

	w := &wizard{store: store, devices: devices, broker: brokerSup}

	if err := menu.CreateSetupMenu(menu.SetupActions{
		QuickSetup:     w.quickSetup,
		DetectBroker:   w.detectBroker,
		ListDevices:    w.listDevices,
		ConfigureAdmin: w.configureAdmin,
	}).Display(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator-init: %v\n", err)
		os.Exit(1)
	}
}

type wizard struct {
	store   *configstore.Store
	devices *device.Service
	broker  *broker.Supervisor
}

// quickSetup runs detection end-to-end and writes device-config.json
// without further prompting beyond an overwrite confirmation.
func (w *wizard) quickSetup() error {
	fmt.Println("Detecting broker installation...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.broker.Initialize(ctx); err != nil {
		fmt.Printf("  broker not found automatically: %v\n", err)
		path := menu.Input(os.Stdin, os.Stdout, "Enter the broker executable path manually (blank to skip)")
		if path == "" {
			return fmt.Errorf("quick setup aborted: no broker installation found")
		}
		w.broker = broker.New(broker.Options{ExePathOverride: path})
		if err := w.broker.Initialize(ctx); err != nil {
			return fmt.Errorf("broker still not found at %s: %w", path, err)
		}
	}

	fmt.Println("Enumerating audio devices...")
	found, err := w.devices.Enumerate(ctx)
	if err != nil {
		fmt.Printf("  device enumeration failed: %v\n", err)
	} else {
		fmt.Printf("  found %d device(s)\n", len(found))
	}

	cfg := configstore.DeviceConfig{
		Source:           "orchestrator-init",
		LastValidatedISO: time.Now().UTC().Format(time.RFC3339),
	}
	if brokerCfg := w.broker.Config(); brokerCfg != nil {
		cfg.LastKnownPort = brokerCfg.Port
	}

	if err := w.store.SaveDeviceConfig(cfg); err != nil {
		return fmt.Errorf("save device config: %w", err)
	}
	fmt.Println("Wrote device-config.json. Quick setup complete.")
	return nil
}

func (w *wizard) detectBroker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.broker.Initialize(ctx); err != nil {
		fmt.Printf("broker not found: %v\n", err)
		return nil
	}
	fmt.Printf("broker detected, state=%s\n", w.broker.State())
	return nil
}

func (w *wizard) listDevices() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found, err := w.devices.Enumerate(ctx)
	if err != nil {
		fmt.Printf("enumeration failed: %v\n", err)
		return nil
	}
	for _, d := range found {
		fmt.Printf("  %-24s backend=%s kind=%s\n", d.ID, d.Backend, d.Kind)
	}
	return nil
}

func (w *wizard) configureAdmin() error {
	username := menu.Input(os.Stdin, os.Stdout, "Admin username")
	if username == "" {
		return fmt.Errorf("admin username cannot be blank")
	}
	if !menu.Confirm(os.Stdin, os.Stdout, "Print the ADMIN_USERNAME/ADMIN_PASSWORD env vars to set for orchestratord?") {
		return nil
	}
	fmt.Printf("Set these environment variables before starting orchestratord:\n")
	fmt.Printf("  ADMIN_USERNAME=%s\n", username)
	fmt.Printf("  ADMIN_PASSWORD=<choose a password, not echoed here>\n")
	fmt.Printf("  TOKEN_SIGNING_SECRET=<a random 32+ byte secret>\n")
	return nil
}

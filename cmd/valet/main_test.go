package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mstrand/valet/internal/config"
)

func runCapture(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out strings.Builder
	err := run(context.Background(), &out, &out, args)
	return out.String(), err
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	out, err := runCapture(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Usage: valet") {
		t.Errorf("expected usage text, got:\n%s", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, err := runCapture(t, "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected unknown command error, got %v", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	_, err := runCapture(t, "-bogus")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("expected unknown flag error, got %v", err)
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	_, err := runCapture(t, "-o", "yaml", "version")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("expected output format error, got %v", err)
	}
}

func TestRunVersionText(t *testing.T) {
	out, err := runCapture(t, "version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "Valet") {
		t.Errorf("expected version banner, got:\n%s", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("expected go_version field, got:\n%s", out)
	}
}

func TestRunVersionJSON(t *testing.T) {
	out, err := runCapture(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("missing version field in %v", info)
	}
}

func TestRunAskRequiresMessage(t *testing.T) {
	_, err := runCapture(t, "ask")
	if err == nil || !strings.Contains(err.Error(), "usage: valet ask") {
		t.Errorf("expected ask usage error, got %v", err)
	}
}

func TestRunServeRejectsUnknownArg(t *testing.T) {
	_, err := runCapture(t, "serve", "--verbose")
	if err == nil || !strings.Contains(err.Error(), "unknown serve argument") {
		t.Errorf("expected serve argument error, got %v", err)
	}
}

func TestPrintPairingQRUsesPublicURL(t *testing.T) {
	var out strings.Builder
	printPairingQR(&out, config.ListenConfig{PublicURL: "ws://valet.local:8765"})
	if !strings.Contains(out.String(), "ws://valet.local:8765") {
		t.Errorf("expected public URL in output, got:\n%s", out.String())
	}
}

func TestPrintPairingQRDerivesURL(t *testing.T) {
	var out strings.Builder
	printPairingQR(&out, config.ListenConfig{Address: "10.0.0.5", Port: 9000})
	if !strings.Contains(out.String(), "ws://10.0.0.5:9000/ws") {
		t.Errorf("expected derived URL in output, got:\n%s", out.String())
	}
}

func TestResolveLocation(t *testing.T) {
	if loc, err := resolveLocation(""); err != nil || loc == nil {
		t.Errorf("empty timezone should resolve to local, got %v, %v", loc, err)
	}
	if loc, err := resolveLocation("UTC"); err != nil || loc.String() != "UTC" {
		t.Errorf("UTC should resolve, got %v, %v", loc, err)
	}
	if _, err := resolveLocation("Mars/Olympus"); err == nil {
		t.Error("expected error for bogus timezone")
	}
}

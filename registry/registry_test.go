package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeApp(t *testing.T, root, id, manifest string, withBinary bool) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if withBinary {
		if err := os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadSkipsInvalidAppsButKeepsValidOnes(t *testing.T) {
	root := t.TempDir()

	writeApp(t, root, "good-app", `{
		"name": "Good App",
		"version": "1.0.0",
		"type": "native",
		"binary": "run",
		"permissions": [{"path": "/data", "access": ["read", "write"]}],
		"capabilities": ["clipboard-none"]
	}`, true)

	writeApp(t, root, "missing-manifest", "", true)
	writeApp(t, root, "missing-binary", `{
		"name": "No Binary",
		"version": "1.0.0",
		"type": "native",
		"binary": "run"
	}`, false)
	writeApp(t, root, "wrong-type", `{
		"name": "Wrong Type",
		"version": "1.0.0",
		"type": "managed",
		"binary": "run"
	}`, true)
	writeApp(t, root, "bad-rights", `{
		"name": "Bad Rights",
		"version": "1.0.0",
		"type": "native",
		"binary": "run",
		"permissions": [{"path": "/data", "access": ["execute"]}]
	}`, true)

	reg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(reg.List()) != 1 {
		t.Fatalf("expected 1 valid app, got %d", len(reg.List()))
	}
	app, ok := reg.Get("good-app")
	if !ok {
		t.Fatal("expected good-app to be loaded")
	}
	if app.Manifest.Name != "Good App" {
		t.Fatalf("unexpected manifest name %q", app.Manifest.Name)
	}

	for _, bad := range []string{"missing-manifest", "missing-binary", "wrong-type", "bad-rights"} {
		if _, ok := reg.Get(bad); ok {
			t.Fatalf("expected %s to be rejected", bad)
		}
	}
}

func TestLoadErrorsOnUnreadableRoot(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected error for missing apps root")
	}
}

// Package registry loads the application registry directory layout
// from spec.md §6: one subdirectory per application, each holding a
// manifest, an executable binary and optional supporting files. Grounded
// on the teacher's config-loading idiom (tolerant of a partially broken
// environment — a bad subdirectory is a warning, not a fatal) rather
// than its websocket/session code, since this is closer to a directory
// scan than a stateful connection.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var log = logging.L("registry")

// AccessRight mirrors policy.AccessRight's string values without
// importing policy, since manifests are untrusted JSON on disk and
// should be validated independently of the policy compiler's types.
type AccessRight string

const (
	AccessRead   AccessRight = "read"
	AccessWrite  AccessRight = "write"
	AccessDelete AccessRight = "delete"
)

// Permission is one manifest-declared path/rights pair.
type Permission struct {
	Path   string        `json:"path"`
	Access []AccessRight `json:"access"`
}

// Manifest is the required manifest.json shape for a native app.
type Manifest struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Type         string       `json:"type"`
	Binary       string       `json:"binary"`
	Permissions  []Permission `json:"permissions"`
	Capabilities []string     `json:"capabilities"`
}

// App is one validated, loadable registry entry. ID is the subdirectory
// name and is the identifier used everywhere else in the system.
type App struct {
	ID         string
	Manifest   Manifest
	Dir        string
	BinaryPath string
}

// ErrInvalidManifest covers any validation failure of a single app's
// manifest.json or binary; the registry loader logs and skips it rather
// than propagating it as fatal.
type ErrInvalidManifest struct {
	AppID string
	Err   error
}

func (e *ErrInvalidManifest) Error() string {
	return fmt.Sprintf("app %q: invalid manifest: %v", e.AppID, e.Err)
}
func (e *ErrInvalidManifest) Unwrap() error { return e.Err }

// Registry is the in-memory, process-wide view of the application
// directory, reloaded wholesale via Load — there is no persisted state
// on the core side per spec.md §6.
type Registry struct {
	apps map[string]*App
}

// Load scans root for app subdirectories, validating each one. Invalid
// subdirectories are skipped with a warning log, never a fatal error —
// one broken app must not prevent the rest of the registry from
// loading.
func Load(root string) (*Registry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read apps root %s: %w", root, err)
	}

	r := &Registry{apps: make(map[string]*App)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		appID := entry.Name()
		appDir := filepath.Join(root, appID)

		app, err := loadApp(appID, appDir)
		if err != nil {
			log.Warn("skipping invalid app registry entry", "appId", appID, "error", err)
			continue
		}
		r.apps[appID] = app
	}

	log.Info("application registry loaded", "root", root, "count", len(r.apps))
	return r, nil
}

func loadApp(appID, dir string) (*App, error) {
	manifestPath := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ErrInvalidManifest{AppID: appID, Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ErrInvalidManifest{AppID: appID, Err: err}
	}

	if err := validateManifest(m); err != nil {
		return nil, &ErrInvalidManifest{AppID: appID, Err: err}
	}

	binaryPath := filepath.Join(dir, m.Binary)
	info, err := os.Stat(binaryPath)
	if err != nil {
		return nil, &ErrInvalidManifest{AppID: appID, Err: fmt.Errorf("binary %s: %w", m.Binary, err)}
	}
	if info.Mode()&0111 == 0 {
		return nil, &ErrInvalidManifest{AppID: appID, Err: fmt.Errorf("binary %s is not executable", m.Binary)}
	}

	return &App{ID: appID, Manifest: m, Dir: dir, BinaryPath: binaryPath}, nil
}

func validateManifest(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	if m.Type != "native" {
		return fmt.Errorf("unsupported type %q, only \"native\" is supported", m.Type)
	}
	if m.Binary == "" {
		return fmt.Errorf("missing binary")
	}
	for _, perm := range m.Permissions {
		if perm.Path == "" {
			return fmt.Errorf("permission entry missing path")
		}
		for _, right := range perm.Access {
			switch right {
			case AccessRead, AccessWrite, AccessDelete:
			default:
				return fmt.Errorf("permission %s: unknown access right %q", perm.Path, right)
			}
		}
	}
	return nil
}

// Get returns the app for id, and whether it was found.
func (r *Registry) Get(id string) (*App, bool) {
	app, ok := r.apps[id]
	return app, ok
}

// List returns every loaded app, in no particular order.
func (r *Registry) List() []*App {
	out := make([]*App, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}
	return out
}

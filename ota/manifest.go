// Package ota implements the OTA Orchestrator (C6): builds a
// device-scoped update manifest by walking a source tree and
// publishes it to the device's update topic via the Bus Adapter.
package ota

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// File is one manifest entry: a device-relative path and the
// fully-qualified URL a device fetches it from.
type File struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Manifest is the OTA descriptor `{ref, files}` a device consumes to
// update its application layer.
type Manifest struct {
	Ref   string `json:"ref"`
	Files []File `json:"files"`
}

// DefaultDenyList excludes version-control metadata and dependency and
// compiled-cache directories from every manifest. Editor backup files
// are excluded separately by denyBackupSuffixes, and the dot-directory
// and bootstrap-subtree exclusions are structural (bootstrap is never
// walked in the first place; see Build).
var DefaultDenyList = []string{".git", "__pycache__", "node_modules"}

// denyBackupSuffixes matches common editor backup files regardless of
// directory.
var denyBackupSuffixes = []string{"~", ".swp", ".swo", ".bak"}

// DeviceRegistry reports whether device_id is known, so Build can
// refuse an OTA request for a device the system has never seen.
type DeviceRegistry interface {
	Known(deviceID string) bool
}

// Orchestrator builds manifests from a source tree rooted at root,
// using one of two URL strategies. If ProxyBase is set it overrides
// RawContentBase, per spec's configuration table.
type Orchestrator struct {
	Root           string
	RawContentBase string // "{BASE}" in "{BASE}/{ref}/{repo_path}"
	ProxyBase      string // alternate base serving the same layout
	DenyList       []string
	Devices        DeviceRegistry

	attempts *AttemptTracker
}

// SetAttemptTracker wires in the tracker Trigger records in-flight OTA
// attempts with. Optional: an Orchestrator with no tracker still
// builds and publishes manifests, it just can't report failures.
func (o *Orchestrator) SetAttemptTracker(t *AttemptTracker) { o.attempts = t }

func New(root, rawContentBase, proxyBase string, devices DeviceRegistry) *Orchestrator {
	return &Orchestrator{
		Root:           root,
		RawContentBase: rawContentBase,
		ProxyBase:      proxyBase,
		DenyList:       DefaultDenyList,
		Devices:        devices,
	}
}

// validRef is deliberately permissive: anything without a path
// separator or whitespace is accepted, since refs may be branch names,
// tags, or commit SHAs and the exact grammar is bus/VCS-specific.
func validRef(ref string) bool {
	if ref == "" {
		return false
	}
	if strings.ContainsAny(ref, "/\\") {
		return false
	}
	for _, r := range ref {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return false
		}
	}
	return true
}

// Build constructs the manifest for (deviceID, ref): every file under
// devices/<deviceID>/app/** mapped to "app/<relpath>", and every file
// under shared/** mapped to "shared/<relpath>", sorted by
// device-relative path, with bootstrap files, dot-directories, and
// deny-listed paths excluded.
func (o *Orchestrator) Build(deviceID, ref string) (Manifest, error) {
	if o.Devices != nil && !o.Devices.Known(deviceID) {
		return Manifest{}, fmt.Errorf("ota: unknown device %q", deviceID)
	}
	if !validRef(ref) {
		return Manifest{}, fmt.Errorf("ota: invalid ref %q", ref)
	}

	var files []File

	appFiles, err := o.walk(filepath.Join(o.Root, "devices", deviceID, "app"), "app")
	if err != nil {
		return Manifest{}, err
	}
	files = append(files, appFiles...)

	sharedFiles, err := o.walk(filepath.Join(o.Root, "shared"), "shared")
	if err != nil {
		return Manifest{}, err
	}
	files = append(files, sharedFiles...)

	for i := range files {
		files[i].URL = o.buildURL(ref, files[i].Path)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Manifest{Ref: ref, Files: files}, nil
}

// walk enumerates subtree (an absolute filesystem path), mapping each
// surviving file to devicePrefix/<relpath>. A missing subtree (a
// device with no shared/ or no app/ files) yields zero entries, not an
// error.
func (o *Orchestrator) walk(subtree, devicePrefix string) ([]File, error) {
	var out []File
	err := filepath.WalkDir(subtree, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if o.denied(p) {
			return nil
		}
		rel, err := filepath.Rel(subtree, p)
		if err != nil {
			return err
		}
		devicePath := path.Join(devicePrefix, filepath.ToSlash(rel))
		out = append(out, File{Path: devicePath})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ota: walk %s: %w", subtree, err)
	}
	return out, nil
}

func (o *Orchestrator) denied(p string) bool {
	base := filepath.Base(p)
	for _, suf := range denyBackupSuffixes {
		if strings.HasSuffix(base, suf) {
			return true
		}
	}
	for _, d := range o.DenyList {
		if d == "" {
			continue
		}
		if base == d || strings.Contains(filepath.ToSlash(p), "/"+d+"/") {
			return true
		}
	}
	return false
}

// buildURL constructs the fetchable URL for a device-relative path
// using whichever base is configured. repoPath mirrors the
// device-relative layout: "{ref}/{repo_path}" under either base.
func (o *Orchestrator) buildURL(ref, devicePath string) string {
	base := o.ProxyBase
	if base == "" {
		base = o.RawContentBase
	}
	return strings.TrimRight(base, "/") + "/" + ref + "/" + devicePath
}

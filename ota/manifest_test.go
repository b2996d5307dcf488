package ota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct{ known map[string]bool }

func (f fakeRegistry) Known(deviceID string) bool { return f.known[deviceID] }

func mustWrite(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "app", "main.ext"), "main")
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "app", "lib", "helper.ext"), "helper")
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "bootstrap", "loader.ext"), "loader")
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "app", ".hidden", "skip.ext"), "skip")
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "app", "main.ext~"), "backup")
	mustWrite(t, filepath.Join(root, "devices", "garage-controller", "app", ".git", "HEAD"), "ref")
	mustWrite(t, filepath.Join(root, "shared", "mod.ext"), "mod")
	mustWrite(t, filepath.Join(root, "devices", "other-device", "app", "other.ext"), "other")
	return root
}

func TestBuildEnumeratesAppAndSharedOnly(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	m, err := o.Build("garage-controller", "main")
	require.NoError(t, err)

	var paths []string
	for _, f := range m.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"app/lib/helper.ext", "app/main.ext", "shared/mod.ext"}, paths, "bootstrap, dot-dirs, and backups must be excluded; other devices' app files never leak in")
}

func TestBuildSortsByPath(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	m, err := o.Build("garage-controller", "main")
	require.NoError(t, err)

	var prev string
	for i, f := range m.Files {
		if i > 0 {
			assert.Less(t, prev, f.Path)
		}
		prev = f.Path
	}
}

func TestBuildConstructsURLFromRawContentBase(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com/repo", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	m, err := o.Build("garage-controller", "v1.2.3")
	require.NoError(t, err)
	require.NotEmpty(t, m.Files)
	for _, f := range m.Files {
		assert.Equal(t, "https://raw.example.com/repo/v1.2.3/"+f.Path, f.URL)
	}
}

func TestBuildFallsBackToProxyBase(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "", "https://proxy.internal/ota", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	m, err := o.Build("garage-controller", "main")
	require.NoError(t, err)
	require.NotEmpty(t, m.Files)
	assert.Contains(t, m.Files[0].URL, "https://proxy.internal/ota/main/")
}

func TestBuildRefusesUnknownDevice(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{}})

	_, err := o.Build("garage-controller", "main")
	assert.Error(t, err)
}

func TestBuildRefusesRefWithPathSeparator(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	_, err := o.Build("garage-controller", "../evil")
	assert.Error(t, err)
}

func TestBuildRefusesRefWithWhitespace(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	_, err := o.Build("garage-controller", "bad ref")
	assert.Error(t, err)
}

func TestBuildIsDeterministic(t *testing.T) {
	root := newTestTree(t)
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"garage-controller": true}})

	m1, err := o.Build("garage-controller", "main")
	require.NoError(t, err)
	m2, err := o.Build("garage-controller", "main")
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
}

func TestBuildHandlesDeviceWithNoAppFiles(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "shared", "mod.ext"), "mod")
	o := New(root, "https://raw.example.com", "", fakeRegistry{known: map[string]bool{"bare-device": true}})

	m, err := o.Build("bare-device", "main")
	require.NoError(t, err)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "shared/mod.ext", m.Files[0].Path)
}

package artifact

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/types"
)

// zipBytes builds an in-memory archive. Names ending in "/" become
// directory entries.
func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		if content != "" {
			_, err = f.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "project.zip")
	require.NoError(t, os.WriteFile(p, zipBytes(t, entries), 0o644))
	return p
}

func TestUnpack(t *testing.T) {
	opts := CollectOptions{Markers: MustMarkerSet(nil), Decontainerize: true}

	tests := []struct {
		name    string
		entries map[string]string
		want    Artifact
	}{
		{
			name: "single top-level directory is flattened",
			entries: map[string]string{
				"proj/":           "",
				"proj/src/":       "",
				"proj/src/app.ts": "app",
			},
			want: Artifact{"src/app.ts": "app"},
		},
		{
			name: "root with markers is kept as is",
			entries: map[string]string{
				"src/":         "",
				"src/app.ts":   "app",
				"package.json": "{}",
			},
			want: Artifact{"src/app.ts": "app", "package.json": "{}"},
		},
		{
			name: "flattened root keeps non-marker folders",
			entries: map[string]string{
				"proj/package.json":          "{}",
				"proj/components/Button.tsx": "btn",
				"proj/src/main.tsx":          "main",
				"proj/public/favicon.ico":    "ico",
			},
			want: Artifact{
				"package.json":          "{}",
				"components/Button.tsx": "btn",
				"src/main.tsx":          "main",
				"public/favicon.ico":    "ico",
			},
		},
		{
			name: "container without markers is stripped",
			entries: map[string]string{
				"My App/src/main.tsx": "main",
				"README.txt":          "readme",
			},
			want: Artifact{"src/main.tsx": "main", "README.txt": "readme"},
		},
		{
			name: "colliding strips keep original paths",
			entries: map[string]string{
				"a/index.ts": "a",
				"b/index.ts": "b",
			},
			want: Artifact{"a/index.ts": "a", "b/index.ts": "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeZip(t, tt.entries)
			dest := filepath.Join(t.TempDir(), "out")

			files, _, err := Unpack(archive, dest, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, files)
			assert.NoError(t, files.Validate())
		})
	}
}

func TestCollect_ContainerModes(t *testing.T) {
	// A marker at the top level next to a plain nested folder.
	entries := map[string]string{
		"package.json":          "{}",
		"index.tsx":             "index",
		"components/Button.tsx": "btn",
		"src/main.tsx":          "main",
	}

	tests := []struct {
		mode ContainerMode
		want Artifact
	}{
		{
			mode: "",
			want: Artifact{"package.json": "{}", "index.tsx": "index", "components/Button.tsx": "btn", "src/main.tsx": "main"},
		},
		{
			mode: ContainerRoot,
			want: Artifact{"package.json": "{}", "index.tsx": "index", "components/Button.tsx": "btn", "src/main.tsx": "main"},
		},
		{
			mode: ContainerEntry,
			want: Artifact{"package.json": "{}", "index.tsx": "index", "Button.tsx": "btn", "src/main.tsx": "main"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			archive := writeZip(t, entries)
			dest := filepath.Join(t.TempDir(), "out")

			opts := CollectOptions{Markers: MustMarkerSet(nil), Decontainerize: true, Mode: tt.mode}
			files, _, err := Unpack(archive, dest, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, files)
		})
	}
}

func TestCollect_EntryModeKeepsCollisions(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"package.json":          "{}",
		"Button.tsx":            "top",
		"components/Button.tsx": "nested",
	})
	dest := filepath.Join(t.TempDir(), "out")

	opts := CollectOptions{Markers: MustMarkerSet(nil), Decontainerize: true, Mode: ContainerEntry}
	files, _, err := Unpack(archive, dest, opts)
	require.NoError(t, err)
	assert.Equal(t, Artifact{"package.json": "{}", "Button.tsx": "top", "components/Button.tsx": "nested"}, files)
}

func TestContainerMode_Valid(t *testing.T) {
	assert.True(t, ContainerMode("").Valid())
	assert.True(t, ContainerRoot.Valid())
	assert.True(t, ContainerEntry.Valid())
	assert.False(t, ContainerMode("all").Valid())
}

func TestCollect_DecontainerizeDisabled(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"My App/src/main.tsx": "main",
		"README.txt":          "readme",
	})
	dest := filepath.Join(t.TempDir(), "out")

	files, _, err := Unpack(archive, dest, CollectOptions{})
	require.NoError(t, err)
	assert.Equal(t, Artifact{"My App/src/main.tsx": "main", "README.txt": "readme"}, files)
}

func TestExtract_ClearsDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0o644))

	archive := writeZip(t, map[string]string{"package.json": "{}"})
	require.NoError(t, Extract(archive, dest))

	_, err := os.Stat(filepath.Join(dest, "stale.txt"))
	assert.True(t, os.IsNotExist(err), "extraction must not be additive")

	root, err := ProjectRoot(dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root)
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	archive := writeZip(t, map[string]string{"../evil.txt": "x"})
	dest := filepath.Join(t.TempDir(), "out")

	err := Extract(archive, dest)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.FailureExtraction))

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_NotAnArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))

	err := Extract(p, filepath.Join(t.TempDir(), "out"))
	assert.True(t, types.IsKind(err, types.FailureExtraction))
}

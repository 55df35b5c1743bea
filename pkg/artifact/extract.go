package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/entrhq/relay/pkg/types"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 64 << 20

// Extract unpacks the zip archive at archivePath into dest. Anything
// already at dest is removed first.
func Extract(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return types.WrapFailure(types.FailureExtraction, err, "open archive %s", filepath.Base(archivePath))
	}
	defer r.Close()

	if err := os.RemoveAll(dest); err != nil {
		return types.WrapFailure(types.FailureExtraction, err, "clear %s", dest)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return types.WrapFailure(types.FailureExtraction, err, "create %s", dest)
	}

	for _, f := range r.File {
		if err := extractEntry(f, dest); err != nil {
			return types.WrapFailure(types.FailureExtraction, err, "extract %s", f.Name)
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(f.Name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New("entry escapes destination")
	}

	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(target, 0o755)
	}
	if f.Mode()&fs.ModeType != 0 {
		// Symlinks and devices are skipped.
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(src, maxEntrySize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxEntrySize {
		return fmt.Errorf("entry larger than %d bytes", maxEntrySize)
	}
	return nil
}

// ProjectRoot returns dir's only entry when that entry is a directory,
// otherwise dir itself.
func ProjectRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", types.WrapFailure(types.FailureExtraction, err, "read %s", dir)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// ContainerMode selects when de-containerization strips a leading folder.
type ContainerMode string

const (
	// ContainerRoot strips only when no top-level entry is a marker, so a
	// root that already looks like a project is left alone.
	ContainerRoot ContainerMode = "root"

	// ContainerEntry strips every nested file whose first segment is not a
	// marker, even next to marker entries.
	ContainerEntry ContainerMode = "entry"
)

// Valid reports whether m is a known mode. The empty mode means ContainerRoot.
func (m ContainerMode) Valid() bool {
	switch m {
	case "", ContainerRoot, ContainerEntry:
		return true
	}
	return false
}

// CollectOptions controls how files under a project root become keys.
type CollectOptions struct {
	// Markers identify a project root's top level.
	Markers *MarkerSet

	// Decontainerize strips the leading folder of nested files whose first
	// segment is not a marker, as selected by Mode.
	Decontainerize bool
	Mode           ContainerMode
}

// Collect reads every regular file under root into an Artifact.
func Collect(root string, opts CollectOptions) (Artifact, error) {
	markers := opts.Markers
	if markers == nil {
		markers = MustMarkerSet(nil)
	}

	var rels []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, types.WrapFailure(types.FailureExtraction, err, "walk %s", root)
	}

	strip := opts.Decontainerize
	if strip && opts.Mode != ContainerEntry {
		strip = !hasMarker(rels, markers)
	}
	keys := make(map[string]string, len(rels))
	taken := make(map[string]int, len(rels))
	for _, rel := range rels {
		key := rel
		if strip {
			key = stripContainer(rel, markers)
		}
		keys[rel] = key
		taken[key]++
	}

	files := make(Artifact, len(rels))
	for _, rel := range rels {
		key := keys[rel]
		if taken[key] > 1 {
			// Stripping would merge distinct files; keep them apart.
			key = rel
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, types.WrapFailure(types.FailureExtraction, err, "read %s", rel)
		}
		if err := files.Add(key, string(data)); err != nil {
			return nil, types.WrapFailure(types.FailureExtraction, err, "add %s", rel)
		}
	}
	return files, nil
}

// hasMarker reports whether any top-level name among rels is a marker.
func hasMarker(rels []string, markers *MarkerSet) bool {
	for _, rel := range rels {
		top, _, _ := strings.Cut(rel, "/")
		if markers.Match(top) {
			return true
		}
	}
	return false
}

// stripContainer drops the first segment of a nested path whose first
// segment is not a marker.
func stripContainer(rel string, markers *MarkerSet) string {
	top, rest, nested := strings.Cut(rel, "/")
	if !nested || markers.Match(top) {
		return rel
	}
	return rest
}

// Unpack extracts archivePath into dest and collects the project files.
func Unpack(archivePath, dest string, opts CollectOptions) (Artifact, string, error) {
	if err := Extract(archivePath, dest); err != nil {
		return nil, "", err
	}
	root, err := ProjectRoot(dest)
	if err != nil {
		return nil, "", err
	}
	files, err := Collect(root, opts)
	if err != nil {
		return nil, "", err
	}
	return files, root, nil
}

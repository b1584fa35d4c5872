package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssetStore is file storage for downloaded binary assets (attachments,
// emoji images, sticker files), keyed by snapshot id. Asset filenames are
// "{entityId}.{ext}" under an assets/ subtree per snapshot.
type AssetStore struct {
	baseDir string
}

func (a *AssetStore) snapshotDir(snapshotID string) string {
	return filepath.Join(a.baseDir, snapshotID)
}

// Save writes an asset and returns its manifest-relative path
func (a *AssetStore) Save(snapshotID, name string, data []byte) (string, error) {
	dir := filepath.Join(a.snapshotDir(snapshotID), "assets")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating asset directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("error writing asset: %w", err)
	}

	return "assets/" + name, nil
}

// Resolve locates an asset on disk. Older manifests may carry absolute
// paths or paths relative to the base directory, so three locations are
// tried in order: the stored path itself if absolute, the per-snapshot
// subtree, then the base directory.
func (a *AssetStore) Resolve(snapshotID, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty asset reference")
	}

	var candidates []string

	if filepath.IsAbs(rel) {
		candidates = append(candidates, rel)
	}

	candidates = append(
		candidates,
		filepath.Join(a.snapshotDir(snapshotID), rel),
		filepath.Join(a.baseDir, rel),
	)

	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}

	return "", fmt.Errorf("asset %s not found for snapshot %s", rel, snapshotID)
}

// Read returns the bytes of an asset resolved via Resolve
func (a *AssetStore) Read(snapshotID, rel string) ([]byte, error) {
	path, err := a.Resolve(snapshotID, rel)

	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// List returns the asset filenames stored for a snapshot
func (a *AssetStore) List(snapshotID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.snapshotDir(snapshotID), "assets"))

	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var names []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		names = append(names, e.Name())
	}

	return names, nil
}

// assetExt picks a file extension from a content type, falling back to the
// declared name
func assetExt(contentType, name string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}

	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}

	return "bin"
}

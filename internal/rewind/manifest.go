package rewind

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFile is the manifest name inside a rewind output directory.
const ManifestFile = "file_manifest.json"

// FilesDir is the directory inside a rewind output that mirrors the
// reconstructed tree.
const FilesDir = "files"

// ManifestEntry is one [path, state] pair of the manifest.
type ManifestEntry struct {
	Path  string
	State FileState
}

func (e ManifestEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Path, e.State})
}

func (e *ManifestEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("manifest entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Path); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.State)
}

// Manifest lists every tracked path with its resolved hash, ordered by path.
type Manifest []ManifestEntry

// BuildManifest orders the files of s by path.
func BuildManifest(s *State) Manifest {
	paths := s.Paths()
	m := make(Manifest, len(paths))
	for i, p := range paths {
		m[i] = ManifestEntry{Path: p, State: s.Files[p]}
	}
	return m
}

// WriteManifest writes m to dir/file_manifest.json.
func WriteManifest(dir string, m Manifest) error {
	if m == nil {
		m = Manifest{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, ManifestFile), append(data, '\n'))
}

// ReadManifest reads dir/file_manifest.json.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}
	return m, nil
}

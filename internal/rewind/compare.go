package rewind

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"timeline/internal/blobstore"
)

// Comparison statuses, from the point of view of the compared directory.
const (
	StatusAdded     = "added"
	StatusDeleted   = "deleted"
	StatusModified  = "modified"
	StatusUnchanged = "unchanged"
)

// FileComparison is one path of a Comparison.
type FileComparison struct {
	Path        string `json:"path"`
	Status      string `json:"status"`
	RewindHash  string `json:"rewind_hash,omitempty"`
	CompareHash string `json:"compare_hash,omitempty"`
	SizeDiff    int64  `json:"size_diff,omitempty"`
}

// Comparison reports how a directory differs from a rewound tree.
type Comparison struct {
	CompareDirectory string           `json:"compare_directory"`
	TotalFiles       int              `json:"total_files"`
	Added            int              `json:"added"`
	Deleted          int              `json:"deleted"`
	Modified         int              `json:"modified"`
	Unchanged        int              `json:"unchanged"`
	Files            []FileComparison `json:"files"`
}

var statusOrder = map[string]int{StatusAdded: 0, StatusDeleted: 1, StatusModified: 2, StatusUnchanged: 3}

// CompareDirs compares the files/ tree of a rewind output with dir.
// A path only in the rewind is "deleted" (it was removed since), a path
// only in dir is "added". Hidden entries are skipped.
func CompareDirs(rewindDir, dir string) (*Comparison, error) {
	rewound, err := hashTree(filepath.Join(rewindDir, FilesDir))
	if err != nil {
		return nil, err
	}
	current := map[string]fileDigest{}
	if _, err := os.Stat(dir); err == nil {
		if current, err = hashTree(dir); err != nil {
			return nil, err
		}
	}

	c := &Comparison{CompareDirectory: dir, Files: []FileComparison{}}
	for path, r := range rewound {
		cur, ok := current[path]
		switch {
		case !ok:
			c.Files = append(c.Files, FileComparison{Path: path, Status: StatusDeleted, RewindHash: r.hash})
			c.Deleted++
		case cur.hash == r.hash:
			c.Files = append(c.Files, FileComparison{Path: path, Status: StatusUnchanged, RewindHash: r.hash, CompareHash: cur.hash})
			c.Unchanged++
		default:
			c.Files = append(c.Files, FileComparison{
				Path: path, Status: StatusModified,
				RewindHash: r.hash, CompareHash: cur.hash,
				SizeDiff: r.size - cur.size,
			})
			c.Modified++
		}
	}
	for path, cur := range current {
		if _, ok := rewound[path]; !ok {
			c.Files = append(c.Files, FileComparison{Path: path, Status: StatusAdded, CompareHash: cur.hash})
			c.Added++
		}
	}
	c.TotalFiles = len(c.Files)

	slices.SortFunc(c.Files, func(a, b FileComparison) int {
		if d := statusOrder[a.Status] - statusOrder[b.Status]; d != 0 {
			return d
		}
		return strings.Compare(a.Path, b.Path)
	})
	return c, nil
}

type fileDigest struct {
	hash string
	size int64
}

func hashTree(root string) (map[string]fileDigest, error) {
	out := map[string]fileDigest{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = fileDigest{hash: blobstore.HashContent(data), size: int64(len(data))}
		return nil
	})
	if os.IsNotExist(err) {
		return out, nil
	}
	return out, err
}

package rewind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"timeline/internal/common"
)

// Missing reasons
const (
	ReasonBlobNotFound = "blob_not_found"
	ReasonCorrupt      = "blob_corrupt"
	ReasonDelta        = "delta_blob"
	ReasonNoHash       = "no_content_hash"
	ReasonInvalidPath  = "invalid_path"
	ReasonWriteFailed  = "write_failed"
)

// MissingFile is a tracked path that could not be restored.
type MissingFile struct {
	Path   string `json:"path"`
	Hash   string `json:"hash,omitempty"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// materialize writes every existing file of s under outputDir/files. Files
// that cannot be restored are flagged Exists=false in s and returned as
// missing. It stops between files when ctx is done.
func (e *Engine) materialize(ctx context.Context, s *State, outputDir string, r *reporter) (int, []MissingFile, error) {
	filesDir := filepath.Join(outputDir, FilesDir)
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", common.ErrIO, err)
	}

	paths := s.Paths()
	restored := 0
	var missing []MissingFile
	flag := func(path, hash, reason, detail string) {
		f := s.Files[path]
		f.Exists = false
		s.Files[path] = f
		missing = append(missing, MissingFile{Path: path, Hash: hash, Reason: reason, Detail: detail})
		log.Warnf("[Rewind] %s not restored: %s %s", path, reason, detail)
	}

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return restored, missing, err
		}
		r.report(ctx, StageMaterialize, fmt.Sprintf("Writing %s", path), span(80, 95, i, len(paths)))

		f := s.Files[path]
		if !f.Exists {
			continue
		}
		if f.ContentHash == "" {
			flag(path, "", ReasonNoHash, "")
			continue
		}
		target, err := common.SafeJoin(filesDir, path)
		if err != nil {
			flag(path, f.ContentHash, ReasonInvalidPath, err.Error())
			continue
		}

		data, reason, err := e.resolve(ctx, f.ContentHash)
		if err != nil {
			if ctx.Err() != nil {
				return restored, missing, ctx.Err()
			}
			flag(path, f.ContentHash, reason, err.Error())
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			flag(path, f.ContentHash, ReasonWriteFailed, err.Error())
			continue
		}
		if err := writeFileAtomic(target, data); err != nil {
			flag(path, f.ContentHash, ReasonWriteFailed, err.Error())
			continue
		}
		restored++
	}
	return restored, missing, nil
}

// resolve reads the full content stored under hash. Delta blobs have no
// standalone content and are reported as unresolvable.
func (e *Engine) resolve(ctx context.Context, hash string) ([]byte, string, error) {
	info, err := e.blobs.GetBlobInfo(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ReasonBlobNotFound, err
		}
		return nil, ReasonCorrupt, err
	}
	if info.IsDelta {
		return nil, ReasonDelta, fmt.Errorf("blob %s is a delta against %s", hash, info.BaseHash)
	}
	data, err := e.blobs.RetrieveBlob(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ReasonBlobNotFound, err
		}
		return nil, ReasonCorrupt, err
	}
	return data, "", nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so a file is either complete or absent.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

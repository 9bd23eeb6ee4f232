// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// NormalizePath cleans a tracked path into slash-separated relative form.
// Backslashes are treated as separators so paths recorded on any platform
// compare equal.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// IsUnder reports whether p equals dir or lives below it.
// An empty dir contains every path.
func IsUnder(p, dir string) bool {
	p = NormalizePath(p)
	dir = NormalizePath(dir)
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// SafeJoin joins a tracked relative path onto root and refuses results that
// would land outside root.
func SafeJoin(root, rel string) (string, error) {
	if strings.Contains(strings.ReplaceAll(rel, "\\", "/"), "../") || rel == ".." || strings.HasSuffix(rel, "/..") {
		return "", fmt.Errorf("%w: %q escapes output root", ErrInvalidPath, rel)
	}
	clean := NormalizePath(rel)
	if clean == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

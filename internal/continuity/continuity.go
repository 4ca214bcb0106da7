// Package continuity persists load-balancer membership between the
// predeploy and postdeploy halves of a deployment.
//
// The two halves run as separate processes on the same build host, so
// the hand-off is a file per membership category under the system temp
// directory, keyed by the build cookie. The postdeploy of a build must
// read exactly what the predeploy of that build wrote.
package continuity

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Membership categories. These are file-name components and therefore
// part of the on-disk contract.
const (
	LoadBalancers = "Load_Balancer"
	TargetGroups  = "Target_Group"
)

// Store reads and writes continuity files under a root directory.
type Store struct {
	root string
	log  log.FieldLogger
}

// NewStore returns a store rooted at dir, or at the system temp
// directory when dir is empty.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Store{
		root: dir,
		log:  log.WithField(trace.Component, "continuity"),
	}
}

// Save writes the IDs to a fresh directory under the root as
// <cookie>_<category>, one ID per line. Trailing CR, LF and comma
// characters are stripped from each ID first.
func (s *Store) Save(cookie, category string, ids []string) error {
	if cookie == "" {
		return trace.BadParameter("cookie is required")
	}
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		cleaned = append(cleaned, strings.TrimRight(id, "\r\n,"))
	}

	dir, err := os.MkdirTemp(s.root, "amicycle")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	path := filepath.Join(dir, cookie+"_"+category)
	if err := os.WriteFile(path, []byte(strings.Join(cleaned, "\n")), 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	s.log.Debugf("Saved %v %v entries to %v.", len(cleaned), category, path)
	return nil
}

// Load walks the root for the first file named <cookie>_<category> and
// returns its non-empty lines. A missing file is not an error: the
// instance simply was not registered anywhere, and (nil, nil) is
// returned.
func (s *Store) Load(cookie, category string) ([]string, error) {
	if cookie == "" {
		return nil, trace.BadParameter("cookie is required")
	}
	want := cookie + "_" + category
	var found string
	walkErr := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees under the shared temp dir are skipped.
			return nil
		}
		if !entry.IsDir() && entry.Name() == want {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return nil, trace.ConvertSystemError(walkErr)
	}
	if found == "" {
		return nil, nil
	}

	data, err := os.ReadFile(found)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Cleanup removes every file under the root whose name contains the
// cookie, then removes each directory that held one. Directories that
// still have other content are left alone.
func (s *Store) Cleanup(cookie string) error {
	if cookie == "" {
		return trace.BadParameter("cookie is required")
	}
	var files []string
	walkErr := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && strings.Contains(entry.Name(), cookie) {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		return trace.ConvertSystemError(walkErr)
	}

	parents := make(map[string]struct{})
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			return trace.ConvertSystemError(err)
		}
		s.log.Debugf("Removed %v.", path)
		parents[filepath.Dir(path)] = struct{}{}
	}
	for dir := range parents {
		if dir == s.root {
			continue
		}
		// Fails while the directory has other content, which is fine.
		if err := os.Remove(dir); err == nil {
			s.log.Debugf("Removed %v.", dir)
		}
	}
	return nil
}

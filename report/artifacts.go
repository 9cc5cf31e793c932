// Package report writes run reports and manages the on-disk layout of
// run artifacts.
//
// Layout under the artifact root:
//
//	reports/<run id>.json
//	reports/<run id>.html
//	runs/<run id>/screenshots/<name>
//	runs/<run id>/logs/<name>
//	profiles/
//
// All paths handed back to callers are relative to the root and use forward
// slashes, so they can be stored and moved with the root.
package report

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/errors"
)

const (
	reportsDir     = "reports"
	runsDir        = "runs"
	screenshotsDir = "screenshots"
	logsDir        = "logs"
	profilesDir    = "profiles"
)

// unsafeName matches characters not allowed in artifact file names.
var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArtifactStore owns the artifact root directory.
type ArtifactStore struct {
	root string
}

// NewArtifactStore returns a store rooted at root. The root is created lazily.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

// Root is the absolute-or-configured artifact root.
func (s *ArtifactStore) Root() string { return s.root }

// ReportsDir holds JSON and HTML reports.
func (s *ArtifactStore) ReportsDir() string { return filepath.Join(s.root, reportsDir) }

// ProfilesDir holds exported profile documents.
func (s *ArtifactStore) ProfilesDir() string { return filepath.Join(s.root, profilesDir) }

// ScreenshotsDir holds the screenshots of one run.
func (s *ArtifactStore) ScreenshotsDir(runID string) string {
	return filepath.Join(s.root, runsDir, runID, screenshotsDir)
}

// LogsDir holds the log files of one run.
func (s *ArtifactStore) LogsDir(runID string) string {
	return filepath.Join(s.root, runsDir, runID, logsDir)
}

// Abs resolves a relative artifact path against the root.
func (s *ArtifactStore) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// CreateRunFolder creates the per-run directories. Calling it again for the
// same run is a no-op.
func (s *ArtifactStore) CreateRunFolder(runID string) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	for _, dir := range []string{s.ReportsDir(), s.ScreenshotsDir(runID), s.LogsDir(runID)} {
		if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
			return errors.Wrapf(err, "failed to create artifact directory %s", dir)
		}
	}
	return nil
}

// SaveScreenshot stores a screenshot for the run and returns its relative path.
func (s *ArtifactStore) SaveScreenshot(runID, name string, data []byte) (string, error) {
	return s.save(runID, screenshotsDir, name, ".png", data)
}

// SaveLog stores a log file for the run and returns its relative path.
func (s *ArtifactStore) SaveLog(runID, name string, data []byte) (string, error) {
	return s.save(runID, logsDir, name, ".log", data)
}

func (s *ArtifactStore) save(runID, kind, name, defaultExt string, data []byte) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	file := sanitizeName(name)
	if filepath.Ext(file) == "" {
		file += defaultExt
	}
	rel := path.Join(runsDir, runID, kind, file)
	if err := writeFileAtomic(s.Abs(rel), data); err != nil {
		return "", err
	}
	return rel, nil
}

func checkRunID(runID string) error {
	if runID == "" || runID != sanitizeName(runID) || strings.HasPrefix(runID, ".") {
		return errors.NewInvalidRequestError("invalid run id %q for artifact path", runID)
	}
	return nil
}

func sanitizeName(name string) string {
	name = unsafeName.ReplaceAllString(filepath.Base(name), "_")
	name = strings.Trim(name, "_")
	if name == "" || name == "." || name == ".." {
		return "artifact"
	}
	return name
}

// writeFileAtomic writes data next to path and renames it into place so
// readers never see a partial file.
func writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", dst)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", dst)
	}
	if err := os.Chmod(tmpName, am.DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to set permissions on %s", dst)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return errors.Wrapf(err, "failed to move %s into place", dst)
	}
	return nil
}

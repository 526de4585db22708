// server/dataset.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/MorpheusXAUT/vacs-server/coverage"
	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/util"
)

// datasetVersionFile tracks the version of the currently installed
// dataset inside the dataset directory.
const datasetVersionFile = ".dataset-sha"

// DatasetManager owns the on-disk dataset directory: loading and
// validating it, and atomically replacing it with uploaded archives.
// The directory must be a subdirectory of its mount so that temp and
// backup siblings can be swapped in with plain renames.
type DatasetManager struct {
	dir string
	lg  *log.Logger

	// Serializes installs and reloads; the swap must not race another
	// swap or a concurrent load.
	mu sync.Mutex
}

func NewDatasetManager(dir string, lg *log.Logger) *DatasetManager {
	return &DatasetManager{dir: filepath.Clean(dir), lg: lg}
}

// Load reads and validates the dataset directory. Validation errors are
// accumulated so one bad file reports everything wrong with it, not
// just the first problem.
func (dm *DatasetManager) Load() (*coverage.Network, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.loadLocked(dm.dir)
}

func (dm *DatasetManager) loadLocked(dir string) (*coverage.Network, error) {
	var e util.ErrorLogger
	network := coverage.LoadNetwork(dir, &e, dm.lg)
	if e.HaveErrors() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDataset, e.String())
	}
	return network, nil
}

// Sha returns the version marker of the installed dataset, or "" when
// none was recorded.
func (dm *DatasetManager) Sha() string {
	b, err := os.ReadFile(filepath.Join(dm.dir, datasetVersionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (dm *DatasetManager) saveSha(sha string) {
	if sha == "" {
		return
	}
	path := filepath.Join(dm.dir, datasetVersionFile)
	if err := os.WriteFile(path, []byte(sha), 0o644); err != nil {
		dm.lg.Warn("failed to write dataset version file", slog.String("path", path),
			slog.Any("error", err))
	}
}

// Install unpacks a tar.gz dataset archive, validates its contents, and
// atomically swaps it into the dataset directory. The previous dataset
// stays in place untouched when anything goes wrong. Returns the loaded
// network so the caller can put it into service.
func (dm *DatasetManager) Install(archive io.Reader, sha string) (*coverage.Network, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	tempDir, err := os.MkdirTemp(filepath.Dir(dm.dir), ".dataset-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractTarGz(archive, tempDir); err != nil {
		return nil, fmt.Errorf("unable to extract dataset archive: %w", err)
	}

	root, err := findDatasetRoot(tempDir)
	if err != nil {
		return nil, err
	}

	dm.lg.Info("validating uploaded dataset", slog.String("path", root))
	network, err := dm.loadLocked(root)
	if err != nil {
		return nil, err
	}

	if err := dm.replaceDir(root); err != nil {
		return nil, err
	}
	dm.saveSha(sha)

	dm.lg.Info("dataset installed", slog.String("sha", sha),
		slog.Int("firs", network.NumFirs()))
	return network, nil
}

func extractTarGz(archive io.Reader, dst string) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(header.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the extraction directory", header.Name)
		}
		path := filepath.Join(dst, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and the like have no business in a dataset.
		}
	}
}

// findDatasetRoot locates the directory holding the per-FIR tree inside
// an extracted archive. Archives may carry the FIR directories at the
// top level, under dataset/, or inside a single wrapping directory (the
// layout of repository tarball exports).
func findDatasetRoot(extracted string) (string, error) {
	if root, ok := datasetRootIn(extracted); ok {
		return root, nil
	}

	entries, err := os.ReadDir(extracted)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) == 1 {
		if root, ok := datasetRootIn(filepath.Join(extracted, dirs[0])); ok {
			return root, nil
		}
	}
	return "", errors.New("no dataset directory found in archive")
}

func datasetRootIn(dir string) (string, bool) {
	if fi, err := os.Stat(filepath.Join(dir, "dataset")); err == nil && fi.IsDir() {
		return filepath.Join(dir, "dataset"), true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() && looksLikeFir(filepath.Join(dir, entry.Name())) {
			return dir, true
		}
	}
	return "", false
}

func looksLikeFir(dir string) bool {
	for _, name := range []string{"stations.toml", "stations.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// replaceDir swaps src into the dataset directory via renames, keeping
// an .old backup to roll back to if the second rename fails.
func (dm *DatasetManager) replaceDir(src string) error {
	backup := dm.dir + ".old"

	if _, err := os.Stat(backup); err == nil {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("unable to remove stale backup %s: %w", backup, err)
		}
	}

	if _, err := os.Stat(dm.dir); err == nil {
		if err := os.Rename(dm.dir, backup); err != nil {
			return fmt.Errorf("unable to rename %s to %s: %w", dm.dir, backup, err)
		}
		if err := os.Rename(src, dm.dir); err != nil {
			dm.lg.Error("failed to move new dataset into place, rolling back",
				slog.Any("error", err))
			if rbErr := os.Rename(backup, dm.dir); rbErr != nil {
				return fmt.Errorf("rollback rename %s to %s failed: %w", backup, dm.dir, rbErr)
			}
			return fmt.Errorf("unable to rename %s to %s: %w", src, dm.dir, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dm.dir), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dm.dir); err != nil {
			return fmt.Errorf("unable to rename %s to %s: %w", src, dm.dir, err)
		}
	}

	if err := os.RemoveAll(backup); err != nil {
		dm.lg.Warn("failed to remove dataset backup", slog.String("path", backup),
			slog.Any("error", err))
	}
	return nil
}

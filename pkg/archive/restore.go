package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreParams holds all inputs needed to restore an archive. Empty
// destinations are skipped.
type RestoreParams struct {
	ArchivePath string
	WorldDest   string
	FeedDest    string
	TextDest    string
	ConfDest    string
	// OverwriteConf replaces a differing config file. Otherwise the archived
	// copy is written next to it with a .restored suffix.
	OverwriteConf bool
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	FilesRestored int
	Warnings      []string
}

// Restore extracts an archive, checks every file against the manifest and
// copies the files to their destinations. The server must not be running.
func Restore(params RestoreParams) (*RestoreResult, error) {
	result := &RestoreResult{}

	tmpDir, err := os.MkdirTemp("", "tworld-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(params.ArchivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", ManifestName)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}

	for archName, entry := range manifest.Files {
		ok, err := validateChecksum(filepath.Join(tmpDir, filepath.FromSlash(archName)), entry.SHA256)
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", archName, err)
		}
		if !ok {
			return nil, fmt.Errorf("restore: checksum mismatch for %s, archive may be corrupt", archName)
		}
	}

	for archName, dest := range map[string]string{WorldName: params.WorldDest, FeedName: params.FeedDest} {
		src := filepath.Join(tmpDir, filepath.FromSlash(archName))
		if dest == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s not in archive", archName))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("restore: create dir for %s: %w", dest, err)
		}
		if err := copyFile(src, dest); err != nil {
			return nil, fmt.Errorf("restore: copy %s: %w", archName, err)
		}
		result.FilesRestored++
	}

	textSrc := filepath.Join(tmpDir, TextPrefix)
	if info, err := os.Stat(textSrc); err == nil && info.IsDir() && params.TextDest != "" {
		n, err := copyDir(textSrc, params.TextDest)
		if err != nil {
			return nil, fmt.Errorf("restore: copy text: %w", err)
		}
		result.FilesRestored += n
	}

	if params.ConfDest != "" {
		src := filepath.Join(tmpDir, ConfPrefix, filepath.Base(params.ConfDest))
		if err := restoreConf(src, params.ConfDest, params.OverwriteConf, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func restoreConf(src, dest string, overwrite bool, result *RestoreResult) error {
	archived, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: read conf: %w", err)
	}
	current, err := os.ReadFile(dest)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("restore: read %s: %w", dest, err)
	case bytes.Equal(current, archived):
		return nil
	case !overwrite:
		dest += ".restored"
		result.Warnings = append(result.Warnings, fmt.Sprintf("config differs, archived copy written to %s", dest))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("restore: create conf dir: %w", err)
	}
	if err := os.WriteFile(dest, archived, 0644); err != nil {
		return fmt.Errorf("restore: write %s: %w", dest, err)
	}
	result.FilesRestored++
	return nil
}

// extractArchive extracts a .tar.gz to a destination directory.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// validateChecksum checks a file's SHA-256 against the expected hex string.
func validateChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}

// copyDir recursively copies all files from src to dst and returns the count.
func copyDir(src, dst string) (int, error) {
	count := 0
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		if err := copyFile(path, destPath); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

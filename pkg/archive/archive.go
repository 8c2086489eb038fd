// Package archive writes and restores .tar.gz backups of a Tworld server:
// the world store snapshot, the feed history database, text files and the
// config file, with a manifest of SHA-256 sums.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Archive member names.
const (
	ManifestName = "manifest.json"
	WorldName    = "data/world.db"
	FeedName     = "data/feed.db"
	TextPrefix   = "text"
	ConfPrefix   = "conf"
)

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Server    string               `json:"server"`
	Timestamp string               `json:"timestamp"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "world", "feed", "text", "conf"
}

// Params holds all inputs needed to create an archive.
type Params struct {
	// Snapshot writes a consistent copy of the world store to destPath.
	Snapshot func(destPath string) error
	// FeedPath is the SQLite feed database (empty = skip). FeedCheckpoint,
	// if set, flushes its WAL first.
	FeedPath       string
	FeedCheckpoint func() error
	TextDir        string // Text files directory (empty = skip)
	ConfPath       string // Config file (empty = skip)
	// Out is the archive path. If empty, a timestamped name in Dir is used.
	Out    string
	Dir    string
	Server string // Server version for the manifest
	Now    func() time.Time
}

// Create writes a .tar.gz archive and returns its path.
func Create(params Params) (string, error) {
	now := time.Now
	if params.Now != nil {
		now = params.Now
	}
	archivePath := params.Out
	if archivePath == "" {
		archivePath = filepath.Join(params.Dir, fmt.Sprintf("tworld-%s.tar.gz", now().Format("20060102-150405")))
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return "", fmt.Errorf("archive: create dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "tworld-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	manifest := Manifest{
		Version:   1,
		Server:    params.Server,
		Timestamp: now().UTC().Format(time.RFC3339),
		Files:     make(map[string]FileEntry),
	}

	// Stage the copies first so a failure leaves no half-written archive.
	staged := map[string]string{}
	if params.Snapshot != nil {
		dst := filepath.Join(tmpDir, "world.db")
		if err := params.Snapshot(dst); err != nil {
			return "", fmt.Errorf("archive: world snapshot: %w", err)
		}
		staged[WorldName] = dst
	}
	if params.FeedPath != "" {
		if params.FeedCheckpoint != nil {
			if err := params.FeedCheckpoint(); err != nil {
				return "", fmt.Errorf("archive: feed checkpoint: %w", err)
			}
		}
		dst := filepath.Join(tmpDir, "feed.db")
		if err := copyFile(params.FeedPath, dst); err != nil {
			return "", fmt.Errorf("archive: copy feed: %w", err)
		}
		staged[FeedName] = dst
	}

	outFile, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", archivePath, err)
	}
	defer outFile.Close()
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	for name, kind := range map[string]string{WorldName: "world", FeedName: "feed"} {
		src, ok := staged[name]
		if !ok {
			continue
		}
		entry, err := addFileToTar(tw, src, name)
		if err != nil {
			return "", err
		}
		entry.Type = kind
		manifest.Files[name] = entry
	}

	if params.TextDir != "" {
		if info, err := os.Stat(params.TextDir); err == nil && info.IsDir() {
			entries, err := addDirToTar(tw, params.TextDir, TextPrefix)
			if err != nil {
				return "", err
			}
			for k, v := range entries {
				v.Type = "text"
				manifest.Files[k] = v
			}
		}
	}

	if params.ConfPath != "" {
		if _, err := os.Stat(params.ConfPath); err == nil {
			archName := ConfPrefix + "/" + filepath.Base(params.ConfPath)
			entry, err := addFileToTar(tw, params.ConfPath, archName)
			if err != nil {
				return "", err
			}
			entry.Type = "conf"
			manifest.Files[archName] = entry
		}
	}

	// The manifest goes last so it can list everything before it.
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    ManifestName,
		Size:    int64(len(manifestJSON)),
		Mode:    0644,
		ModTime: now(),
	}); err != nil {
		return "", fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestJSON); err != nil {
		return "", fmt.Errorf("archive: write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("archive: finish tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("archive: finish gzip: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return "", fmt.Errorf("archive: close %s: %w", archivePath, err)
	}
	return archivePath, nil
}

// addFileToTar adds a single file to the tar archive with the given archive name,
// computing its SHA-256 while writing.
func addFileToTar(tw *tar.Writer, srcPath, archName string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}

	archName = strings.ReplaceAll(archName, "\\", "/")
	if err := tw.WriteHeader(&tar.Header{
		Name:    archName,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", archName, err)
	}

	h := sha256.New()
	written, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", archName, err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: written}, nil
}

// addDirToTar recursively adds all files in a directory to the tar archive.
func addDirToTar(tw *tar.Writer, srcDir, archPrefix string) (map[string]FileEntry, error) {
	entries := make(map[string]FileEntry)
	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		archName := archPrefix + "/" + filepath.ToSlash(rel)
		entry, err := addFileToTar(tw, path, archName)
		if err != nil {
			return err
		}
		entries[archName] = entry
		return nil
	})
	return entries, err
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

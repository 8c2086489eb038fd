package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Info holds metadata about an existing archive file.
type Info struct {
	Path      string
	Filename  string
	Size      int64
	Timestamp string // From manifest, or file mod time
	Server    string
	Files     int
}

// List scans dir for .tar.gz files, newest first.
func List(dir string) ([]Info, error) {
	pattern := filepath.Join(dir, "*.tar.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", pattern, err)
	}

	var archives []Info
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		ai := Info{
			Path:      path,
			Filename:  filepath.Base(path),
			Size:      info.Size(),
			Timestamp: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		}
		if m, err := ReadManifest(path); err == nil {
			ai.Timestamp = m.Timestamp
			ai.Server = m.Server
			ai.Files = len(m.Files)
		}
		archives = append(archives, ai)
	}

	// RFC3339 sorts lexically.
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp > archives[j].Timestamp
	})
	return archives, nil
}

// ReadManifest extracts the manifest from a .tar.gz archive.
func ReadManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name != ManifestName {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, fmt.Errorf("archive: %s not found in %s", ManifestName, archivePath)
}

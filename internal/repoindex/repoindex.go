// Package repoindex builds a lightweight index of the target repository:
// the tracked source files and a content fingerprint over them. The
// fingerprint keys learned outcomes to the code state they were observed
// against, so history from a different tree never pollutes selection.
package repoindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs are never indexed.
var skipDirs = map[string]struct{}{
	".git":         {},
	".rfsn":        {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
	".venv":        {},
}

// maxIndexedFileSize keeps pathological blobs out of the index.
const maxIndexedFileSize = 4 * 1024 * 1024

// FileEntry is one indexed file.
type FileEntry struct {
	Path string // relative to the repo root, slash-separated
	Size int64
	Hash string // sha256 of content, hex
}

// Index is an immutable snapshot of the repository's file set.
type Index struct {
	Root        string
	Files       []FileEntry
	Fingerprint string
}

// Build walks the repository and produces an index. The walk is stable:
// files are visited in sorted order, so the same tree always yields the
// same fingerprint.
func Build(ctx context.Context, root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("index root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("index root %s is not a directory", root)
	}

	var files []FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxIndexedFileSize {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{
			Path: filepath.ToSlash(rel),
			Size: fi.Size(),
			Hash: hash,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%s\n", f.Path, f.Hash)
	}
	return &Index{
		Root:        root,
		Files:       files,
		Fingerprint: hex.EncodeToString(h.Sum(nil))[:16],
	}, nil
}

// Lookup returns entries whose path contains the (case-insensitive) query.
func (idx *Index) Lookup(query string) []FileEntry {
	query = strings.ToLower(query)
	var hits []FileEntry
	for _, f := range idx.Files {
		if strings.Contains(strings.ToLower(f.Path), query) {
			hits = append(hits, f)
		}
	}
	return hits
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

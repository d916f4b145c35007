// Package corpus discovers and fingerprints the Markdown documents of a site.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"
)

// MarkdownExtensions are the file extensions treated as publishable documents
var MarkdownExtensions = []string{
	".md",
	".markdown",
	".mdown",
	".mkd",
}

// ErrInvalidPath is returned for a document whose path is not valid UTF-8.
// Such a path cannot be stored as a manifest key without being rewritten.
var ErrInvalidPath = errors.New("document path is not valid UTF-8")

// DefaultWorkers bounds concurrent reads when ScanOptions.Workers is unset.
const DefaultWorkers = 4

// Document is one Markdown file of a corpus as seen during a single run.
type Document struct {
	Path        string // slash-separated, relative to the corpus root
	Fingerprint string // "sha256:<hex>" of Content
	Size        int64
	ModTime     time.Time
	Content     []byte
}

// ScanOptions tunes Scan.
type ScanOptions struct {
	Workers int
}

// Open returns a filesystem rooted at dir.
func Open(dir string) billy.Filesystem {
	return osfs.New(dir)
}

// IsMarkdownFile returns true if the file has a Markdown extension
func IsMarkdownFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, valid := range MarkdownExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Discover lists every Markdown file under the root of fsys, sorted by path.
// Hidden files and directories (names starting with ".") are skipped. A
// Markdown file whose path is not valid UTF-8 fails discovery with
// ErrInvalidPath.
func Discover(fsys billy.Filesystem) ([]string, error) {
	var files []string
	if err := walk(fsys, "/", &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func walk(fsys billy.Filesystem, dir string, files *[]string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, info := range entries {
		// Skip hidden files and directories (e.g. .git, .obsidian)
		if strings.HasPrefix(info.Name(), ".") {
			continue
		}

		full := path.Join(dir, info.Name())

		// Symlinked documents are followed; symlinked directories are not.
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := fsys.Stat(full)
			if err != nil {
				continue // dangling link
			}
			if target.IsDir() {
				continue
			}
			info = target
		}

		switch {
		case info.IsDir():
			if err := walk(fsys, full, files); err != nil {
				return err
			}
		case info.Mode().IsRegular() && IsMarkdownFile(full):
			rel := strings.TrimPrefix(full, "/")
			if !utf8.ValidString(rel) {
				return fmt.Errorf("%w: %q", ErrInvalidPath, rel)
			}
			*files = append(*files, rel)
		}
	}
	return nil
}

// Scan discovers every Markdown file and reads it once, computing its
// fingerprint from the bytes it keeps. The result is sorted by path.
func Scan(ctx context.Context, fsys billy.Filesystem, opts ScanOptions) ([]Document, error) {
	paths, err := Discover(fsys)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	docs := make([]Document, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := readDocument(fsys, p)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func readDocument(fsys billy.Filesystem, p string) (Document, error) {
	info, err := fsys.Stat(p)
	if err != nil {
		return Document{}, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	content, err := util.ReadFile(fsys, p)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", p, err)
	}

	return Document{
		Path:        p,
		Fingerprint: Fingerprint(content),
		Size:        int64(len(content)),
		ModTime:     info.ModTime(),
		Content:     content,
	}, nil
}

// Fingerprint returns the content fingerprint used to detect changes.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Title derives a fallback post title from a document path,
// e.g. "notes/my-first-post.md" -> "my-first-post".
func Title(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

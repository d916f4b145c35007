package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

func writeFiles(t *testing.T, fsys billy.Filesystem, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		if dir := filepath.Dir(rel); dir != "." {
			if err := fsys.MkdirAll(dir, 0755); err != nil {
				t.Fatal(err)
			}
		}
		if err := util.WriteFile(fsys, rel, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIsMarkdownFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"post.md", true},
		{"notes/post.markdown", true},
		{"UPPER.MD", true},
		{"draft.mdown", true},
		{"image.png", false},
		{"README", false},
		{"md", false},
	}

	for _, tt := range tests {
		if got := IsMarkdownFile(tt.name); got != tt.want {
			t.Errorf("IsMarkdownFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDiscover(t *testing.T) {
	fsys := memfs.New()
	writeFiles(t, fsys, map[string]string{
		"hello.md":               "# Hello\n",
		"notes/second.markdown":  "# Second\n",
		"notes/deep/third.md":    "# Third\n",
		"notes/image.png":        "binary",
		".hidden.md":             "should be ignored",
		".obsidian/workspace.md": "should be ignored",
	})

	got, err := Discover(fsys)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"hello.md",
		"notes/deep/third.md",
		"notes/second.markdown",
	}
	if len(got) != len(want) {
		t.Fatalf("Discover() returned %d files, want %d:\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Discover()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscover_OSFilesystem(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "posts", ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "posts", "a.md"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "posts", ".git", "b.md"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := Discover(Open(dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "posts/a.md" {
		t.Fatalf("Discover() = %v, want [posts/a.md]", got)
	}
}

func TestDiscover_InvalidUTF8Path(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "caf\xe9.md"), []byte("latin-1 name"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Discover(Open(dir))
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Discover() error = %v, want ErrInvalidPath", err)
	}
	if !strings.Contains(err.Error(), `caf\xe9.md`) {
		t.Errorf("error should name the file, got %v", err)
	}
}

func TestDiscover_FollowsSymlinkedDocuments(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "shared.md")
	if err := os.WriteFile(target, []byte("# Shared\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(outside, "dir"), 0755); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	for link, to := range map[string]string{
		"linked.md":   target,
		"dangling.md": filepath.Join(outside, "missing.md"),
		"linkdir":     filepath.Join(outside, "dir"),
	} {
		if err := os.Symlink(to, filepath.Join(dir, link)); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := Scan(context.Background(), Open(dir), ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Path != "linked.md" {
		t.Fatalf("Scan() = %v, want only linked.md", docs)
	}
	if string(docs[0].Content) != "# Shared\n" {
		t.Errorf("linked.md content = %q", docs[0].Content)
	}
}

func TestDiscover_MissingRoot(t *testing.T) {
	_, err := Discover(Open(filepath.Join(t.TempDir(), "does-not-exist")))
	if err == nil {
		t.Fatal("expected error for missing corpus directory")
	}
}

func TestScan(t *testing.T) {
	fsys := memfs.New()
	writeFiles(t, fsys, map[string]string{
		"a.md":       "alpha",
		"b/b.md":     "beta",
		"b/c.md":     "gamma",
		"b/skip.txt": "not markdown",
	})

	docs, err := Scan(context.Background(), fsys, ScanOptions{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("Scan() returned %d documents, want 3", len(docs))
	}

	wantPaths := []string{"a.md", "b/b.md", "b/c.md"}
	wantContent := []string{"alpha", "beta", "gamma"}
	for i, doc := range docs {
		if doc.Path != wantPaths[i] {
			t.Errorf("docs[%d].Path = %q, want %q", i, doc.Path, wantPaths[i])
		}
		if string(doc.Content) != wantContent[i] {
			t.Errorf("docs[%d].Content = %q, want %q", i, doc.Content, wantContent[i])
		}
		if doc.Fingerprint != Fingerprint([]byte(wantContent[i])) {
			t.Errorf("docs[%d].Fingerprint does not match its content", i)
		}
		if doc.Size != int64(len(wantContent[i])) {
			t.Errorf("docs[%d].Size = %d, want %d", i, doc.Size, len(wantContent[i]))
		}
	}
}

func TestScan_CanceledContext(t *testing.T) {
	fsys := memfs.New()
	writeFiles(t, fsys, map[string]string{"a.md": "alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Scan(ctx, fsys, ScanOptions{}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("same"))
	b := Fingerprint([]byte("same"))
	c := Fingerprint([]byte("different"))

	if a != b {
		t.Errorf("fingerprint mismatch for identical content: %s != %s", a, b)
	}
	if a == c {
		t.Error("fingerprint should change when content changes")
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != len("sha256:")+64 {
		t.Errorf("unexpected fingerprint format: %s", a)
	}
}

func TestTitle(t *testing.T) {
	if got := Title("notes/my-first-post.md"); got != "my-first-post" {
		t.Errorf("Title() = %q, want my-first-post", got)
	}
}

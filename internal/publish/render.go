package publish

import (
	"bytes"
	"fmt"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/schaermu/pressync/internal/corpus"
)

// Post is the rendered payload sent to the remote site.
type Post struct {
	Title         string
	Slug          string
	Excerpt       string
	Content       string // HTML
	Status        string
	CommentStatus string
	Categories    []string
	Tags          []string
	Date          time.Time
}

type frontMatter struct {
	Title      string    `yaml:"title" toml:"title" json:"title"`
	Slug       string    `yaml:"slug" toml:"slug" json:"slug"`
	Excerpt    string    `yaml:"excerpt" toml:"excerpt" json:"excerpt"`
	Summary    string    `yaml:"summary" toml:"summary" json:"summary"`
	Status     string    `yaml:"status" toml:"status" json:"status"`
	Draft      bool      `yaml:"draft" toml:"draft" json:"draft"`
	Comments   string    `yaml:"comment_status" toml:"comment_status" json:"comment_status"`
	Categories []string  `yaml:"categories" toml:"categories" json:"categories"`
	Tags       []string  `yaml:"tags" toml:"tags" json:"tags"`
	Date       time.Time `yaml:"date" toml:"date" json:"date"`
}

// Renderer converts Markdown documents into posts. It is stateless and safe
// to share.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer builds a renderer with GFM, linkify, task lists and footnotes.
// Raw HTML in documents is passed through, as authors of a personal blog
// routinely embed it.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Linkify,
				extension.TaskList,
				extension.Footnote,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Render builds the post for item. Front matter overrides the item metadata;
// the title falls back to the file name.
func (r *Renderer) Render(item Item) (*Post, error) {
	var meta frontMatter
	body, err := frontmatter.Parse(bytes.NewReader(item.Document.Content), &meta)
	if err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}

	var buf bytes.Buffer
	if err := r.md.Convert(body, &buf); err != nil {
		return nil, fmt.Errorf("markdown parse: %w", err)
	}

	post := &Post{
		Title:         firstNonEmpty(meta.Title, corpus.Title(item.Document.Path)),
		Slug:          meta.Slug,
		Excerpt:       firstNonEmpty(meta.Excerpt, meta.Summary),
		Content:       buf.String(),
		Status:        firstNonEmpty(meta.Status, item.Metadata.Status, "publish"),
		CommentStatus: firstNonEmpty(meta.Comments, item.Metadata.CommentStatus),
		Categories:    pick(meta.Categories, item.Metadata.Categories),
		Tags:          pick(meta.Tags, item.Metadata.Tags),
		Date:          meta.Date,
	}
	if meta.Draft {
		post.Status = "draft"
	}
	return post, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func pick(override, defaults []string) []string {
	if len(override) > 0 {
		return append([]string(nil), override...)
	}
	return append([]string(nil), defaults...)
}

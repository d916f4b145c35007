// Package publish turns Markdown documents into posts on a WordPress site.
//
// A Publisher handles a whole batch as a unit: it either returns a post ID for
// every document in the batch or an error. Implementations that fail part way
// return a *BatchError describing what did get through, so wrappers such as
// WithCreateMemo can avoid creating the same post twice on retry.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schaermu/pressync/internal/corpus"
)

// PostMetadata holds the per-site defaults applied to every post.
// Front matter in a document overrides them.
type PostMetadata struct {
	Status        string
	Categories    []string
	Tags          []string
	CommentStatus string
}

// Item is one document to publish.
type Item struct {
	Document corpus.Document
	Metadata PostMetadata
	PostID   string // existing remote post; empty creates a new post
}

// Publisher publishes a batch of documents and returns path -> post ID.
type Publisher interface {
	Publish(ctx context.Context, batch []Item) (map[string]string, error)
}

// BatchError reports a batch that stopped part way through.
type BatchError struct {
	Path      string            // document that failed
	Published map[string]string // documents published before the failure
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("publish %s failed after %d of the batch succeeded: %v", e.Path, len(e.Published), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// poster is the per-post transport shared by the REST and XML-RPC publishers.
type poster interface {
	createPost(ctx context.Context, post *Post) (string, error)
	updatePost(ctx context.Context, id string, post *Post) error
}

// runBatch renders and sends each item in order, stopping at the first error.
func runBatch(ctx context.Context, p poster, r *Renderer, batch []Item, logger *slog.Logger) (map[string]string, error) {
	published := make(map[string]string, len(batch))

	for _, item := range batch {
		post, err := r.Render(item)
		if err != nil {
			return nil, &BatchError{Path: item.Document.Path, Published: published, Err: err}
		}

		if item.PostID == "" {
			id, err := p.createPost(ctx, post)
			if err != nil {
				return nil, &BatchError{Path: item.Document.Path, Published: published, Err: err}
			}
			logger.Info("created post", "path", item.Document.Path, "post_id", id, "title", post.Title)
			published[item.Document.Path] = id
			continue
		}

		if err := p.updatePost(ctx, item.PostID, post); err != nil {
			return nil, &BatchError{Path: item.Document.Path, Published: published, Err: err}
		}
		logger.Info("updated post", "path", item.Document.Path, "post_id", item.PostID, "title", post.Title)
		published[item.Document.Path] = item.PostID
	}

	return published, nil
}

package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"
)

const xmlrpcPath = "/xmlrpc.php"

// XMLRPCOptions configures an XMLRPCPublisher.
type XMLRPCOptions struct {
	Domain     string
	Username   string
	Password   string
	BlogID     string // defaults to "1"
	TouchDate  bool
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// FaultError is an XML-RPC fault returned by the server.
type FaultError struct {
	Code    int
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", e.Code, e.Message)
}

// XMLRPCPublisher publishes posts through the legacy metaWeblog XML-RPC API,
// for sites that only accept the account password.
type XMLRPCPublisher struct {
	endpoint string
	opts     XMLRPCOptions
	client   *http.Client
	logger   *slog.Logger
	renderer *Renderer
}

// NewXMLRPCPublisher creates a publisher for the site at opts.Domain.
func NewXMLRPCPublisher(opts XMLRPCOptions) *XMLRPCPublisher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BlogID == "" {
		opts.BlogID = "1"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &XMLRPCPublisher{
		endpoint: strings.TrimSuffix(opts.Domain, "/") + xmlrpcPath,
		opts:     opts,
		client:   client,
		logger:   logger,
		renderer: NewRenderer(),
	}
}

// Publish implements Publisher.
func (p *XMLRPCPublisher) Publish(ctx context.Context, batch []Item) (map[string]string, error) {
	return runBatch(ctx, p, p.renderer, batch, p.logger)
}

func (p *XMLRPCPublisher) createPost(ctx context.Context, post *Post) (string, error) {
	var id any
	err := p.call(ctx, "metaWeblog.newPost", &id,
		p.opts.BlogID, p.opts.Username, p.opts.Password,
		postStruct(post), post.Status == "publish")
	if err != nil {
		return "", fmt.Errorf("failed to create post %q: %w", post.Title, err)
	}

	s := strings.TrimSpace(fmt.Sprint(id))
	if id == nil || s == "" {
		return "", fmt.Errorf("failed to create post %q: response carried no post id", post.Title)
	}
	return s, nil
}

func (p *XMLRPCPublisher) updatePost(ctx context.Context, id string, post *Post) error {
	if p.opts.TouchDate && post.Date.IsZero() {
		touched := *post
		touched.Date = p.opts.Now()
		post = &touched
	}

	var ok bool
	err := p.call(ctx, "metaWeblog.editPost", &ok,
		id, p.opts.Username, p.opts.Password,
		postStruct(post), post.Status == "publish")
	if err != nil {
		return fmt.Errorf("failed to update post %s: %w", id, err)
	}
	return nil
}

// postStruct builds the metaWeblog post struct. Optional fields are left out
// when empty so that an edit does not clear them.
func postStruct(post *Post) map[string]any {
	s := map[string]any{
		"title":       post.Title,
		"description": post.Content,
		"post_status": post.Status,
	}
	if post.Slug != "" {
		s["wp_slug"] = post.Slug
	}
	if post.Excerpt != "" {
		s["mt_excerpt"] = post.Excerpt
	}
	if len(post.Categories) > 0 {
		s["categories"] = post.Categories
	}
	if len(post.Tags) > 0 {
		s["mt_keywords"] = strings.Join(post.Tags, ",")
	}
	switch post.CommentStatus {
	case "open":
		s["mt_allow_comments"] = 1
	case "closed":
		s["mt_allow_comments"] = 0
	}
	if !post.Date.IsZero() {
		s["dateCreated"] = post.Date
	}
	return s
}

// call sends one method call. The xmlrpc client has no context support, so
// only its codec is used and the request goes through p.client.
func (p *XMLRPCPublisher) call(ctx context.Context, method string, reply any, args ...any) error {
	body, err := xmlrpc.EncodeMethodCall(method, args...)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("User-Agent", "pressync")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	response := xmlrpc.Response(data)
	if err := response.Err(); err != nil {
		var fault xmlrpc.FaultError
		if errors.As(err, &fault) {
			return &FaultError{Code: fault.Code, Message: fault.String}
		}
		return fmt.Errorf("failed to decode %s fault: %w", method, err)
	}
	if err := response.Unmarshal(reply); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

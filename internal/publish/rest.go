package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const restAPIPath = "/wp-json/wp/v2"

// RESTOptions configures a RESTPublisher.
type RESTOptions struct {
	Domain              string // e.g. https://blog.example.com
	Username            string
	ApplicationPassword string
	TouchDate           bool // set the post date to now on every update
	HTTPClient          *http.Client
	Logger              *slog.Logger
	Now                 func() time.Time
}

// APIError is a non-2xx response from the WordPress REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Data       struct {
		TermID int `json:"term_id"`
	} `json:"data"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("wordpress api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("wordpress api returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// RESTPublisher publishes posts through the WordPress REST API using an
// application password.
type RESTPublisher struct {
	base     string
	opts     RESTOptions
	client   *http.Client
	logger   *slog.Logger
	renderer *Renderer

	mu    sync.Mutex
	terms map[string]map[string]int // taxonomy -> lowercased name -> term ID
}

// NewRESTPublisher creates a publisher for the site at opts.Domain.
func NewRESTPublisher(opts RESTOptions) *RESTPublisher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &RESTPublisher{
		base:     strings.TrimSuffix(opts.Domain, "/") + restAPIPath,
		opts:     opts,
		client:   client,
		logger:   logger,
		renderer: NewRenderer(),
		terms:    make(map[string]map[string]int),
	}
}

// Publish implements Publisher.
func (p *RESTPublisher) Publish(ctx context.Context, batch []Item) (map[string]string, error) {
	return runBatch(ctx, p, p.renderer, batch, p.logger)
}

type postResponse struct {
	ID int `json:"id"`
}

func (p *RESTPublisher) createPost(ctx context.Context, post *Post) (string, error) {
	payload, err := p.payload(ctx, post, false)
	if err != nil {
		return "", err
	}

	var resp postResponse
	if err := p.do(ctx, http.MethodPost, "/posts", nil, payload, &resp); err != nil {
		return "", fmt.Errorf("failed to create post %q: %w", post.Title, err)
	}
	if resp.ID == 0 {
		return "", fmt.Errorf("failed to create post %q: response carried no post id", post.Title)
	}
	return strconv.Itoa(resp.ID), nil
}

func (p *RESTPublisher) updatePost(ctx context.Context, id string, post *Post) error {
	payload, err := p.payload(ctx, post, p.opts.TouchDate)
	if err != nil {
		return err
	}

	if err := p.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(id), nil, payload, nil); err != nil {
		return fmt.Errorf("failed to update post %s: %w", id, err)
	}
	return nil
}

func (p *RESTPublisher) payload(ctx context.Context, post *Post, touch bool) (map[string]any, error) {
	body := map[string]any{
		"title":   post.Title,
		"content": post.Content,
		"status":  post.Status,
	}
	if post.Slug != "" {
		body["slug"] = post.Slug
	}
	if post.Excerpt != "" {
		body["excerpt"] = post.Excerpt
	}
	if post.CommentStatus != "" {
		body["comment_status"] = post.CommentStatus
	}

	switch {
	case !post.Date.IsZero():
		body["date"] = post.Date.Format("2006-01-02T15:04:05")
	case touch:
		body["date"] = p.opts.Now().Format("2006-01-02T15:04:05")
	}

	if len(post.Categories) > 0 {
		ids, err := p.resolveTerms(ctx, "categories", post.Categories)
		if err != nil {
			return nil, err
		}
		body["categories"] = ids
	}
	if len(post.Tags) > 0 {
		ids, err := p.resolveTerms(ctx, "tags", post.Tags)
		if err != nil {
			return nil, err
		}
		body["tags"] = ids
	}
	return body, nil
}

type term struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// resolveTerms maps category or tag names to term IDs, creating missing terms.
func (p *RESTPublisher) resolveTerms(ctx context.Context, taxonomy string, names []string) ([]int, error) {
	ids := make([]int, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, err := p.resolveTerm(ctx, taxonomy, name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s %q: %w", taxonomy, name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *RESTPublisher) resolveTerm(ctx context.Context, taxonomy, name string) (int, error) {
	key := strings.ToLower(name)

	p.mu.Lock()
	if id, ok := p.terms[taxonomy][key]; ok {
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	var found []term
	query := url.Values{"search": {name}, "per_page": {"100"}}
	if err := p.do(ctx, http.MethodGet, "/"+taxonomy, query, nil, &found); err != nil {
		return 0, err
	}

	id := 0
	for _, t := range found {
		// WordPress returns names HTML-escaped ("Q&amp;A").
		if strings.EqualFold(html.UnescapeString(t.Name), name) {
			id = t.ID
			break
		}
	}

	if id == 0 {
		var created term
		err := p.do(ctx, http.MethodPost, "/"+taxonomy, nil, map[string]string{"name": name}, &created)
		var apiErr *APIError
		switch {
		case err == nil:
			id = created.ID
		case errors.As(err, &apiErr) && apiErr.Code == "term_exists" && apiErr.Data.TermID != 0:
			id = apiErr.Data.TermID
		default:
			return 0, err
		}
		p.logger.Debug("created term", "taxonomy", taxonomy, "name", name, "id", id)
	}

	p.mu.Lock()
	if p.terms[taxonomy] == nil {
		p.terms[taxonomy] = make(map[string]int)
	}
	p.terms[taxonomy][key] = id
	p.mu.Unlock()

	return id, nil
}

func (p *RESTPublisher) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := p.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(p.opts.Username, p.opts.ApplicationPassword)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pressync")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

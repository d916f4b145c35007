package publish

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
)

// mockPoster records calls and fails on the configured title.
type mockPoster struct {
	nextID  int
	failOn  string
	created []string
	updated []string
}

func (m *mockPoster) createPost(_ context.Context, post *Post) (string, error) {
	if post.Title == m.failOn {
		return "", errors.New("boom")
	}
	m.nextID++
	m.created = append(m.created, post.Title)
	return strconv.Itoa(m.nextID), nil
}

func (m *mockPoster) updatePost(_ context.Context, id string, post *Post) error {
	if post.Title == m.failOn {
		return errors.New("boom")
	}
	m.updated = append(m.updated, id)
	return nil
}

func TestRunBatch(t *testing.T) {
	p := &mockPoster{}
	ids, err := runBatch(t.Context(), p, NewRenderer(), []Item{
		itemFor("a.md", "a", PostMetadata{}),
		{Document: itemFor("b.md", "b", PostMetadata{}).Document, PostID: "9"},
	}, testLogger())
	if err != nil {
		t.Fatalf("runBatch() failed: %v", err)
	}

	if want := map[string]string{"a.md": "1", "b.md": "9"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("runBatch() = %v, want %v", ids, want)
	}
	if !reflect.DeepEqual(p.created, []string{"a"}) || !reflect.DeepEqual(p.updated, []string{"9"}) {
		t.Errorf("created = %v, updated = %v", p.created, p.updated)
	}
}

func TestRunBatch_StopsAtFirstFailure(t *testing.T) {
	p := &mockPoster{failOn: "b"}
	ids, err := runBatch(t.Context(), p, NewRenderer(), []Item{
		itemFor("a.md", "a", PostMetadata{}),
		itemFor("b.md", "b", PostMetadata{}),
		itemFor("c.md", "c", PostMetadata{}),
	}, testLogger())

	if ids != nil {
		t.Errorf("runBatch() returned ids %v alongside an error", ids)
	}
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected a BatchError, got %v", err)
	}
	if batchErr.Path != "b.md" {
		t.Errorf("BatchError.Path = %s, want b.md", batchErr.Path)
	}
	if want := map[string]string{"a.md": "1"}; !reflect.DeepEqual(batchErr.Published, want) {
		t.Errorf("BatchError.Published = %v, want %v", batchErr.Published, want)
	}
	if !reflect.DeepEqual(p.created, []string{"a"}) {
		t.Errorf("created = %v, c.md must not be attempted", p.created)
	}
}

// scriptedPublisher returns queued results and records each batch it sees.
type scriptedPublisher struct {
	batches [][]Item
	results []func([]Item) (map[string]string, error)
}

func (s *scriptedPublisher) Publish(_ context.Context, batch []Item) (map[string]string, error) {
	s.batches = append(s.batches, batch)
	next := s.results[0]
	s.results = s.results[1:]
	return next(batch)
}

func TestWithCreateMemo_RetryUpdatesPostsCreatedBeforeFailure(t *testing.T) {
	inner := &scriptedPublisher{results: []func([]Item) (map[string]string, error){
		func([]Item) (map[string]string, error) {
			return nil, &BatchError{Path: "b.md", Published: map[string]string{"a.md": "100"}, Err: errors.New("timeout")}
		},
		func(batch []Item) (map[string]string, error) {
			out := map[string]string{}
			for i, item := range batch {
				if item.PostID != "" {
					out[item.Document.Path] = item.PostID
				} else {
					out[item.Document.Path] = strconv.Itoa(200 + i)
				}
			}
			return out, nil
		},
	}}
	p := WithCreateMemo(inner)

	batch := []Item{
		itemFor("a.md", "a", PostMetadata{}),
		itemFor("b.md", "b", PostMetadata{}),
	}

	if _, err := p.Publish(t.Context(), batch); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	ids, err := p.Publish(t.Context(), batch)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	retry := inner.batches[1]
	if retry[0].PostID != "100" {
		t.Errorf("a.md was created by the failed attempt, retry PostID = %q, want 100", retry[0].PostID)
	}
	if retry[1].PostID != "" {
		t.Errorf("b.md retry PostID = %q, want empty", retry[1].PostID)
	}
	if ids["a.md"] != "100" {
		t.Errorf("ids[a.md] = %q, want 100", ids["a.md"])
	}
	if batch[0].PostID != "" {
		t.Error("caller's batch must not be mutated")
	}
	if n := len(p.(*memoPublisher).created); n != 0 {
		t.Errorf("memo holds %d entries after success, want 0", n)
	}
}

func TestWithCreateMemo_IgnoresUpdatedPosts(t *testing.T) {
	inner := &scriptedPublisher{results: []func([]Item) (map[string]string, error){
		func([]Item) (map[string]string, error) {
			return nil, &BatchError{Path: "b.md", Published: map[string]string{"a.md": "5"}, Err: errors.New("x")}
		},
	}}
	p := WithCreateMemo(inner)

	_, err := p.Publish(t.Context(), []Item{
		{Document: itemFor("a.md", "a", PostMetadata{}).Document, PostID: "5"},
		itemFor("b.md", "b", PostMetadata{}),
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if n := len(p.(*memoPublisher).created); n != 0 {
		t.Errorf("memo holds %d entries, updated posts must not be memoized", n)
	}
}

func TestNewForSite(t *testing.T) {
	rest, err := NewForSite(SiteOptions{Domain: "https://a.example", ApplicationPassword: "abcd efgh ijkl mnop", Password: "pw", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rest.(*memoPublisher).next.(*RESTPublisher); !ok {
		t.Errorf("expected a REST publisher, got %T", rest.(*memoPublisher).next)
	}

	legacy, err := NewForSite(SiteOptions{Domain: "https://a.example", Password: "pw", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := legacy.(*memoPublisher).next.(*XMLRPCPublisher); !ok {
		t.Errorf("expected an XML-RPC publisher, got %T", legacy.(*memoPublisher).next)
	}

	if _, err := NewForSite(SiteOptions{Domain: "https://a.example"}); err == nil {
		t.Error("expected an error without credentials")
	}
}

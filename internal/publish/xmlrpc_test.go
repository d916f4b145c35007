package publish

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// xmlrpcServer answers every call with respond and records the raw request
// bodies.
func xmlrpcServer(t *testing.T, respond func(body string) string) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xmlrpcPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request: %v", err)
		}
		calls = append(calls, string(data))

		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, respond(string(data)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func assertContains(t *testing.T, body string, parts ...string) {
	t.Helper()
	for _, part := range parts {
		if !strings.Contains(body, part) {
			t.Errorf("request missing %q:\n%s", part, body)
		}
	}
}

func TestXMLRPC_CreateAndUpdate(t *testing.T) {
	srv, calls := xmlrpcServer(t, func(body string) string {
		if strings.Contains(body, "metaWeblog.newPost") {
			return `<?xml version="1.0"?><methodResponse><params><param><value><string>77</string></value></param></params></methodResponse>`
		}
		return `<?xml version="1.0"?><methodResponse><params><param><value><boolean>1</boolean></value></param></params></methodResponse>`
	})

	p := NewXMLRPCPublisher(XMLRPCOptions{
		Domain:     srv.URL,
		Username:   "editor",
		Password:   "secret",
		TouchDate:  true,
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
		Now:        func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})

	ids, err := p.Publish(t.Context(), []Item{
		itemFor("new.md", "---\ntitle: Fresh\n---\nbody\n", PostMetadata{Categories: []string{"News"}, Tags: []string{"a", "b"}, CommentStatus: "closed"}),
		{Document: itemFor("old.md", "old\n", PostMetadata{}).Document, PostID: "12"},
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if ids["new.md"] != "77" || ids["old.md"] != "12" || len(ids) != 2 {
		t.Errorf("Publish() = %v, want new.md=77 old.md=12", ids)
	}

	if len(*calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(*calls))
	}
	create, update := (*calls)[0], (*calls)[1]

	assertContains(t, create,
		"<methodName>metaWeblog.newPost</methodName>",
		"<string>editor</string>",
		"<string>secret</string>",
		"<name>title</name>",
		"<string>Fresh</string>",
		"<name>mt_keywords</name>",
		"<string>a,b</string>",
		"<name>categories</name>",
		"<string>News</string>",
		"<name>mt_allow_comments</name>",
	)
	if strings.Contains(create, "<name>dateCreated</name>") {
		t.Error("new posts must keep the server date")
	}

	assertContains(t, update,
		"<methodName>metaWeblog.editPost</methodName>",
		"<string>12</string>",
		"<name>dateCreated</name>",
	)
}

func TestXMLRPC_Fault(t *testing.T) {
	srv, _ := xmlrpcServer(t, func(string) string {
		return `<?xml version="1.0"?>
<methodResponse>
  <fault>
    <value>
      <struct>
        <member><name>faultCode</name><value><int>403</int></value></member>
        <member><name>faultString</name><value><string>Incorrect username or password.</string></value></member>
      </struct>
    </value>
  </fault>
</methodResponse>`
	})

	p := NewXMLRPCPublisher(XMLRPCOptions{Domain: srv.URL, Password: "x", HTTPClient: srv.Client(), Logger: testLogger()})
	_, err := p.Publish(t.Context(), []Item{itemFor("a.md", "a", PostMetadata{})})
	if err == nil {
		t.Fatal("expected an error for a fault response")
	}

	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected a FaultError, got %v", err)
	}
	if fault.Code != 403 || fault.Message != "Incorrect username or password." {
		t.Errorf("unexpected fault %+v", fault)
	}

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Errorf("expected the fault wrapped in a BatchError, got %T", err)
	}
}

func TestXMLRPC_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewXMLRPCPublisher(XMLRPCOptions{Domain: srv.URL, Password: "x", HTTPClient: srv.Client(), Logger: testLogger()})
	_, err := p.Publish(t.Context(), []Item{itemFor("a.md", "a", PostMetadata{})})
	if err == nil || !strings.Contains(err.Error(), "unexpected status 503") {
		t.Fatalf("expected a status error, got %v", err)
	}
}

func TestPostStruct(t *testing.T) {
	post := &Post{Title: "t", Content: "<p>c</p>", Status: "draft", CommentStatus: "open"}
	s := postStruct(post)

	if s["title"] != "t" || s["description"] != "<p>c</p>" || s["post_status"] != "draft" {
		t.Errorf("unexpected core fields: %v", s)
	}
	if s["mt_allow_comments"] != 1 {
		t.Errorf("mt_allow_comments = %v, want 1", s["mt_allow_comments"])
	}
	for _, key := range []string{"wp_slug", "mt_excerpt", "categories", "mt_keywords", "dateCreated"} {
		if _, ok := s[key]; ok {
			t.Errorf("empty field %s should be omitted", key)
		}
	}
}

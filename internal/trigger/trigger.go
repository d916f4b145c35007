// Package trigger runs syncs in response to Git push webhooks and to edits
// in local corpus directories.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/pressync/internal/activation"
	"github.com/schaermu/pressync/internal/config"
)

// socketName is the LISTEN_FDNAMES entry the webhook socket is matched by
const socketName = "webhook"

// Runner performs one sync of every site
type Runner func(ctx context.Context) error

// PushEvent represents the relevant fields from a push webhook
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server triggers syncs from webhooks and corpus watchers
type Server struct {
	cfg         *config.Config
	run         Runner
	logger      *slog.Logger
	secret      []byte
	listen      func() (net.Listener, error)
	runCtx      context.Context
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer coalesces bursts of triggers into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, run Runner, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		run:      run,
		logger:   logger,
		runCtx:   context.Background(),
		debounce: &debouncer{delay: cfg.Serve.Debounce},
	}

	if cfg.Serve.WebhookSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.WebhookSecretFile)
		}
	}

	s.listen = func() (net.Listener, error) {
		l, activated, err := activation.Listen(socketName, cfg.Serve.ListenAddr)
		if err == nil && activated {
			s.logger.Info("using systemd socket activation", "addr", l.Addr().String())
		}
		return l, err
	}

	return s, nil
}

// Start performs an initial sync, then serves webhooks and watches local
// corpora until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	defer s.debounce.stop()

	errCh := make(chan error, 2)

	if s.cfg.Serve.Watch {
		dirs := s.watchDirs()
		if len(dirs) == 0 {
			s.logger.Warn("serve.watch is enabled but no site has a local corpus")
		} else {
			w, err := newWatcher(dirs, s.logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = w.Close()
			}()
			go func() {
				if err := s.watchLoop(ctx, w); err != nil {
					errCh <- err
				}
			}()
		}
	}

	s.logger.Info("performing initial sync before accepting triggers")
	s.performSync(ctx)

	if len(s.secret) == 0 {
		<-ctx.Done()
		return nil
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		_ = server.Close()
		return err
	}
}

// watchDirs returns the corpus directories of sites without a repository.
// Checkouts are rewritten by the sync itself and are not watched.
func (s *Server) watchDirs() []string {
	var dirs []string
	for _, site := range s.cfg.Sites {
		if site.Corpus.Repo == nil {
			dirs = append(dirs, s.cfg.CorpusDir(site))
		}
	}
	return dirs
}

// handleWebhook handles incoming push webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}
	if eventType != "push" {
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not handled\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.schedule()

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature checks an X-Hub-Signature-256 header against the body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.secret) == 0 || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}
	return slices.Contains(s.cfg.Serve.AllowedRefs, ref)
}

// schedule runs a sync once triggers have been quiet for the debounce delay
func (s *Server) schedule() {
	s.debounce.trigger(func() {
		s.performSync(s.runCtx)
	})
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")
		if err := s.run(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		} else {
			s.logger.Info("sync completed successfully")
		}

		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop drops any scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}

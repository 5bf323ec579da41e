package publish

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// RebuildPath is the endpoint that triggers a republish.
const RebuildPath = "/-/rebuild"

// SignatureHeader carries the HMAC-SHA256 of a rebuild request body.
const SignatureHeader = "X-Modsync-Signature"

// ServerConfig configures the repository server.
type ServerConfig struct {
	Root       string // repository directory
	ListenAddr string
	Debounce   time.Duration
	SecretFile string // optional; when set rebuild requests must be signed
	Publish    Options
}

// Server serves a published repository over HTTP and republishes it on demand.
type Server struct {
	cfg         ServerConfig
	logger      *slog.Logger
	secret      []byte
	publish     func(ctx context.Context, root string, opts Options) (*Result, error)
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a publish is currently in progress
	syncPending bool       // whether another publish is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for rebuild requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new repository server
func NewServer(cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path %s is not a directory", cfg.Root)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		publish:  Publish,
		debounce: &debouncer{delay: cfg.Debounce},
	}

	if cfg.SecretFile != "" {
		secret, err := os.ReadFile(cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read rebuild secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
	}

	return s, nil
}

// Handler returns the HTTP handler serving the repository and the rebuild
// endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RebuildPath, s.handleRebuild)
	mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.Root)))
	return mux
}

// Start publishes once, then serves until ctx is cancelled. A nil ln makes
// the server listen on the configured address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.logger.Info("performing initial publish before starting server", "root", s.cfg.Root)
	s.performPublish(ctx)

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("repository server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down repository server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if s.secret != nil && !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting rebuild with invalid signature", "remote", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("rebuild requested", "remote", r.RemoteAddr)
	s.debounce.trigger(func() {
		s.performPublish(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Rebuild triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// performPublish runs a publish with single-flight semantics. While one is
// running at most one more is queued; further requests are dropped.
func (s *Server) performPublish(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("publish already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		res, err := s.publish(ctx, s.cfg.Root, s.cfg.Publish)
		if err != nil {
			s.logger.Error("publish failed", "root", s.cfg.Root, "error", err)
		} else {
			s.logger.Info("publish completed",
				"root", s.cfg.Root,
				"folders", res.Folders,
				"files", res.Files,
				"bytes", res.Bytes,
				"elapsed", res.Elapsed)
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running publish due to pending request")
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

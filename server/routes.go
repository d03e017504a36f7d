// Package server exposes the serving engine over HTTP: a gin router with
// a streaming generation endpoint, modeled on the ollama API surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"batchserve/api"
	"batchserve/serving"
)

// Server wires the engine to the HTTP layer. The semaphore caps the number
// of generation requests holding a session at once; requests beyond the cap
// fail fast with 503 instead of piling onto the wait queue.
type Server struct {
	cfg    *Config
	engine *serving.Engine
	sem    *semaphore.Weighted
}

// NewServer creates a server around an already-constructed engine.
func NewServer(cfg *Config, engine *serving.Engine) *Server {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 512
	}
	return &Server{
		cfg:    cfg,
		engine: engine,
		sem:    semaphore.NewWeighted(maxSessions),
	}
}

// GenerateRoutes builds the HTTP router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowAllOrigins = true

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))
	r.HandleMethodNotAllowed = true

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "batchserve is running") })
	r.GET("/health", s.HealthHandler)
	r.POST("/v1/generate", s.GenerateHandler)

	return r
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, api.StatusResponse{Status: "ok"})
}

// GenerateHandler serves POST /v1/generate. With stream=true (the default)
// the response is ndjson, one event per token, terminated by a done event;
// with stream=false a single JSON body is sent after the sequence finishes.
func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if req.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must not be negative"})
		return
	}

	if !s.sem.TryAcquire(1) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is at capacity"})
		return
	}
	defer s.sem.Release(1)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 1.0
	}

	// Built directly rather than through NewSamplingParams: these values are
	// client input, and the engine rejects invalid ones with
	// ErrMalformedRequest instead of panicking.
	sess, err := s.engine.Open(req.Prompt, &serving.SamplingParams{
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, serving.ErrMalformedRequest) {
			status = http.StatusBadRequest
		} else if errors.Is(err, serving.ErrEngineClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	logrus.Debugf("generate request %s: %d prompt tokens, max_tokens=%d",
		sess.ID(), sess.PromptTokenCount(), maxTokens)

	// Client disconnect cancels the session; the scheduler releases its
	// cache blocks at the next tick.
	ctx := c.Request.Context()
	go func() {
		<-ctx.Done()
		sess.Cancel()
	}()

	ch := make(chan api.GenerateResponse)
	go s.pumpSession(ctx, sess, ch)

	if req.Stream != nil && !*req.Stream {
		waitForCompletion(c, ch)
		return
	}
	streamResponse(c, ch)
}

// pumpSession reads engine events and converts them into API responses
// until the session's stream closes.
func (s *Server) pumpSession(ctx context.Context, sess *serving.Session, ch chan api.GenerateResponse) {
	defer close(ch)

	evalCount := 0
	for {
		ev, err := sess.ReadNext(ctx)
		if err != nil {
			// Context cancelled or stream closed without a terminal event
			// (client-initiated cancellation).
			return
		}

		switch ev.Kind {
		case serving.EventToken:
			evalCount++
			select {
			case ch <- api.GenerateResponse{
				ID:       sess.ID(),
				TokenID:  ev.TokenID,
				Response: ev.Content,
			}:
			case <-ctx.Done():
				return
			}
		case serving.EventEnd:
			select {
			case ch <- api.GenerateResponse{
				ID:              sess.ID(),
				Done:            true,
				DoneReason:      string(ev.Reason),
				EvalCount:       evalCount,
				PromptEvalCount: sess.PromptTokenCount(),
			}:
			case <-ctx.Done():
			}
			return
		case serving.EventError:
			select {
			case ch <- api.GenerateResponse{
				ID:         sess.ID(),
				Done:       true,
				DoneReason: string(serving.DoneReasonError),
				Error:      errorMessage(ev.Err),
				ErrorKind:  errorKind(ev.Err),
			}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "generation failed"
	}
	return err.Error()
}

// errorKind maps engine errors onto the API's error kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, serving.ErrCapacityExceeded):
		return api.ErrorKindCapacityExceeded
	case errors.Is(err, serving.ErrExecutorFailure):
		return api.ErrorKindExecutorFailure
	default:
		return api.ErrorKindInternal
	}
}

// streamResponse writes ndjson events as they arrive.
func streamResponse(c *gin.Context, ch chan api.GenerateResponse) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		resp, ok := <-ch
		if !ok {
			return false
		}

		bts, err := json.Marshal(resp)
		if err != nil {
			logrus.Errorf("streamResponse: marshal failed: %v", err)
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			logrus.Debugf("streamResponse: write failed: %v", err)
			return false
		}

		return true
	})
}

// waitForCompletion accumulates the whole generation and sends one JSON
// body. Error terminals map to HTTP status codes since nothing has been
// written yet.
func waitForCompletion(c *gin.Context, ch chan api.GenerateResponse) {
	var sb strings.Builder
	var final api.GenerateResponse

	for resp := range ch {
		if resp.Done {
			final = resp
			break
		}
		sb.WriteString(resp.Response)
	}

	if final.ID == "" {
		// Channel closed without a terminal event: client gone or engine
		// shut down mid-generation.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generation interrupted"})
		return
	}

	if final.ErrorKind != "" {
		status := http.StatusInternalServerError
		if final.ErrorKind == api.ErrorKindCapacityExceeded {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": final.Error, "error_kind": final.ErrorKind})
		return
	}

	final.Response = sb.String()
	c.JSON(http.StatusOK, final)
}

// Serve runs the engine loop and the HTTP listener until ctx is done, then
// shuts both down gracefully.
func Serve(ctx context.Context, cfg *Config, engine *serving.Engine) error {
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(engineCtx)
	}()

	s := NewServer(cfg, engine)
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: s.GenerateRoutes(),
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	logrus.Infof("listening on %s (backend=%s)", ln.Addr(), cfg.Backend)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stopEngine()
		<-engineDone
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}

	stopEngine()
	<-engineDone
	return nil
}

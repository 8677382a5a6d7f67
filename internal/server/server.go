// Package server exposes the on-demand entry points over HTTP.
package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"rugguard/internal/analysis"
	"rugguard/internal/budget"
	"rugguard/internal/logging"
	"rugguard/internal/metrics"
	"rugguard/internal/model"
	"rugguard/internal/store"
	"rugguard/internal/trustlist"
	"rugguard/internal/xclient"
)

// Analyzer is the orchestrator surface the handlers need.
type Analyzer interface {
	Process(ctx context.Context, ev model.TriggerEvent, path analysis.Path) (analysis.Outcome, error)
	Analyze(ctx context.Context, idOrUsername string) (analysis.Outcome, error)
}

// ReplyStats reads the reply log.
type ReplyStats interface {
	CountRepliesWithin(ctx context.Context, start, end time.Time, status string) (int, error)
	RecentReplies(ctx context.Context, limit int) ([]store.Reply, error)
}

type TrustInfo interface {
	Info() trustlist.Info
}

type Deps struct {
	Analyzer Analyzer
	Budget   *budget.Budget
	Trust    TrustInfo
	Replies  ReplyStats
	// Pending reports events queued by the poller for budget; optional.
	Pending func() int
}

type Server struct {
	e       *echo.Echo
	deps    Deps
	started time.Time
}

// ErrorBody is the JSON shape of every non-2xx answer.
type ErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type analyzeRequest struct {
	Account string `json:"account" query:"account"`
}

type triggerRequest struct {
	TriggerPostID   string `json:"trigger_post_id"`
	TargetAccountID string `json:"target_account_id"`
	TargetPostID    string `json:"target_post_id"`
	TriggerText     string `json:"trigger_text"`
}

// New builds the echo instance. requestsPerMinute <= 0 disables inbound rate limiting.
func New(deps Deps, requestsPerMinute int) *Server {
	s := &Server{e: echo.New(), deps: deps, started: time.Now().UTC()}
	e := s.e
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Recover())
	e.Use(requestLog)
	if requestsPerMinute > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				p := c.Path()
				return p == "/healthz" || p == "/metrics"
			},
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(requestsPerMinute) / 60.0),
				Burst:     max(1, requestsPerMinute/10),
				ExpiresIn: 3 * time.Minute,
			}),
			IdentifierExtractor: func(c echo.Context) (string, error) { return c.RealIP(), nil },
			ErrorHandler: func(c echo.Context, err error) error {
				return c.JSON(http.StatusForbidden, s.errBody(c, "forbidden", err.Error(), 0))
			},
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return c.JSON(http.StatusTooManyRequests, s.errBody(c, "rate_limited", "rate limit exceeded, please try again later", 0))
			},
		}))
	}

	e.POST("/api/analyze", s.handleAnalyze)
	e.GET("/api/analyze", s.handleAnalyze)
	e.POST("/api/trigger", s.handleTrigger)
	e.GET("/api/stats", s.handleStats)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "OK") })
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		logging.Info("server_start", map[string]any{"addr": addr})
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logging.Info("server_stop", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, s.errBody(c, "invalid_input", "malformed request body", 0))
	}
	if req.Account == "" {
		req.Account = c.QueryParam("account")
	}
	out, err := s.deps.Analyzer.Analyze(c.Request().Context(), req.Account)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleTrigger(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, s.errBody(c, "invalid_input", "malformed request body", 0))
	}
	ev := model.TriggerEvent{
		TriggerPostID:   req.TriggerPostID,
		TargetAccountID: req.TargetAccountID,
		TargetPostID:    req.TargetPostID,
		TriggerText:     req.TriggerText,
		DiscoveredAt:    time.Now().UTC(),
	}
	out, err := s.deps.Analyzer.Process(c.Request().Context(), ev, analysis.PathTrigger)
	if errors.Is(err, analysis.ErrAlreadyProcessed) {
		return c.JSON(http.StatusOK, out)
	}
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type statsResponse struct {
	Uptime     string                            `json:"uptime"`
	Replies24h int                               `json:"replies_24h"`
	Failed24h  int                               `json:"failed_24h"`
	Recent     []store.Reply                     `json:"recent,omitempty"`
	Budget     map[budget.Category]budget.Status `json:"budget"`
	TrustList  *trustlist.Info                   `json:"trust_list,omitempty"`
	Pending    int                               `json:"pending"`
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	now := time.Now().UTC()
	resp := statsResponse{Uptime: now.Sub(s.started).Round(time.Second).String()}
	if s.deps.Budget != nil {
		resp.Budget = s.deps.Budget.Snapshot()
	}
	if s.deps.Trust != nil {
		info := s.deps.Trust.Info()
		resp.TrustList = &info
	}
	if s.deps.Pending != nil {
		resp.Pending = s.deps.Pending()
	}
	if s.deps.Replies != nil {
		var err error
		if resp.Replies24h, err = s.deps.Replies.CountRepliesWithin(ctx, now.Add(-24*time.Hour), now.Add(time.Second), string(analysis.StatusReplied)); err != nil {
			return s.writeError(c, err)
		}
		if resp.Failed24h, err = s.deps.Replies.CountRepliesWithin(ctx, now.Add(-24*time.Hour), now.Add(time.Second), string(analysis.StatusFailed)); err != nil {
			return s.writeError(c, err)
		}
		if resp.Recent, err = s.deps.Replies.RecentReplies(ctx, 10); err != nil {
			return s.writeError(c, err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// writeError maps orchestrator errors to status classes: bad input is a client error,
// budget exhaustion is 429 with Retry-After, upstream failures are 502.
func (s *Server) writeError(c echo.Context, err error) error {
	var (
		be *analysis.BudgetError
		fe *xclient.FetchError
	)
	switch {
	case errors.Is(err, analysis.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, s.errBody(c, "invalid_input", err.Error(), 0))
	case errors.As(err, &be):
		secs := int(math.Ceil(be.Wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.JSON(http.StatusTooManyRequests, s.errBody(c, "budget_exhausted", err.Error(), secs))
	case errors.As(err, &fe) && fe.NotFound():
		return c.JSON(http.StatusNotFound, s.errBody(c, "not_found", err.Error(), 0))
	case errors.As(err, &fe):
		return c.JSON(http.StatusBadGateway, s.errBody(c, "upstream_error", err.Error(), 0))
	default:
		return c.JSON(http.StatusInternalServerError, s.errBody(c, "internal", err.Error(), 0))
	}
}

func (s *Server) errBody(c echo.Context, code, msg string, retryAfter int) ErrorBody {
	return ErrorBody{
		Error:      code,
		Message:    msg,
		RequestID:  c.Response().Header().Get(echo.HeaderXRequestID),
		RetryAfter: retryAfter,
	}
}

func requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		logging.Info("http_request", map[string]any{
			"method":     c.Request().Method,
			"path":       c.Path(),
			"status":     c.Response().Status,
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		})
		return nil
	}
}

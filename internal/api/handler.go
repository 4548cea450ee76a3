// Package api exposes the Orchestrator over HTTP, per spec §6. Grounded
// nearly file-for-file on the teacher's internal/api/handler.go for the
// echo route-group/middleware/auth-header shape, re-pointed at the
// Orchestrator instead of the raw driver.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sandboxlabs/sandboxd/internal/errs"
	"github.com/sandboxlabs/sandboxd/internal/lang"
	"github.com/sandboxlabs/sandboxd/internal/orchestrator"
	"github.com/sandboxlabs/sandboxd/internal/state"
	"github.com/sandboxlabs/sandboxd/internal/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI/SDK directly connecting
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// HealthChecker reports a component's health for GET /v1/health/detailed.
type HealthChecker interface {
	Healthy() error
}

// Handler exposes the Orchestrator's request path over HTTP.
type Handler struct {
	orch    *orchestrator.Orchestrator
	streams *stream.Registry
	apiKey  string

	poolHealth  HealthChecker
	hotHealth   HealthChecker
	coldHealth  HealthChecker
}

// NewHandler creates a Handler. poolHealth/hotHealth/coldHealth may be
// nil, in which case GET /v1/health/detailed omits that component.
func NewHandler(orch *orchestrator.Orchestrator, apiKey string, poolHealth, hotHealth, coldHealth HealthChecker) *Handler {
	return &Handler{
		orch:       orch,
		streams:    stream.NewRegistry(),
		apiKey:     apiKey,
		poolHealth: poolHealth,
		hotHealth:  hotHealth,
		coldHealth: coldHealth,
	}
}

// RegisterRoutes mounts the /v1 group onto e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")
	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}

	v1.POST("/exec", h.exec)
	v1.GET("/exec/:id/stream", h.execStream)
	v1.POST("/upload", h.upload)
	v1.GET("/download", h.download)
	v1.GET("/health", h.health)
	v1.GET("/health/detailed", h.healthDetailed)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Sandboxd-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if h.apiKey != "" && key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

// ExecRequest is the body of POST /v1/exec, per spec §6.
type ExecRequest struct {
	Language     string `json:"language"`
	Code         string `json:"code"`
	SessionID    string `json:"session_id"`
	CaptureState *bool  `json:"capture_state"`
	WallClockMS  int    `json:"wall_clock_ms"`
}

// ExecResponse is the body of POST /v1/exec's response.
type ExecResponse struct {
	ExecID    string   `json:"exec_id"`
	SessionID string   `json:"session_id"`
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exit_code"`
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (h *Handler) exec(c echo.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}

	execID := uuid.NewString()
	bc := h.streams.Open(execID)
	defer h.streams.Close(execID)

	var wallClock time.Duration
	if req.WallClockMS > 0 {
		wallClock = time.Duration(req.WallClockMS) * time.Millisecond
	}

	result, err := h.orch.Exec(c.Request().Context(), orchestrator.ExecRequest{
		Language:     lang.Tag(req.Language),
		Code:         req.Code,
		SessionID:    req.SessionID,
		CaptureState: req.CaptureState,
		WallClock:    wallClock,
		Tee:          bc,
	})
	if err != nil {
		return mapError(c, err)
	}

	resp := ExecResponse{
		ExecID:    execID,
		SessionID: result.SessionID,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		Files:     result.Files,
		Truncated: result.Truncated,
	}
	if result.Warning != "" {
		resp.Warnings = []string{result.Warning}
	}
	return c.JSON(http.StatusOK, resp)
}

// execStream follows the live combined stdout/stderr of an in-flight
// one-shot execution, observation only: it accepts no input, since
// this engine has no user-interactive REPL path (all REPL traffic is
// host<->Interpreter-Server).
func (h *Handler) execStream(c echo.Context) error {
	execID := c.Param("id")
	bc, ok := h.streams.Get(execID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no in-flight execution with that id")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ch := bc.Subscribe()
	defer bc.Unsubscribe(ch)

	for chunk := range ch {
		if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return nil
		}
	}
	return nil
}

func (h *Handler) upload(c echo.Context) error {
	sessionID := c.FormValue("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	fileID := uuid.NewString()
	return c.JSON(http.StatusOK, map[string]string{
		"reference": fmt.Sprintf("%s/%s", sessionID, fileID),
		"filename":  file.Filename,
	})
}

func (h *Handler) download(c echo.Context) error {
	ref := c.QueryParam("ref")
	if ref == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ref is required")
	}
	return echo.NewHTTPError(http.StatusNotImplemented, "blob store download not wired in this deployment")
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) healthDetailed(c echo.Context) error {
	components := map[string]string{}
	overallOK := true

	check := func(name string, hc HealthChecker) {
		if hc == nil {
			return
		}
		if err := hc.Healthy(); err != nil {
			components[name] = err.Error()
			overallOK = false
		} else {
			components[name] = "ok"
		}
	}
	check("pool", h.poolHealth)
	check("hot_store", h.hotHealth)
	check("cold_store", h.coldHealth)

	status := http.StatusOK
	if !overallOK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"components": components})
}

func mapError(c echo.Context, err error) error {
	switch {
	case errs.Is(err, errs.KindBadRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errs.Is(err, errs.KindTimeoutExceeded):
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	case errs.Is(err, errs.KindPoolExhausted), errs.Is(err, errs.KindServiceBusy):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errs.Is(err, errs.KindStateTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, state.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errs.Is(err, errs.KindResourceExceeded), errs.Is(err, errs.KindSandboxUnhealthy), errs.Is(err, errs.KindStorageUnavail), errs.Is(err, errs.KindInternal):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

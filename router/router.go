// Package router implements the stateless front door: it classifies inbound
// paths onto sharding dimensions, forwards to the shard actors, and writes
// their responses back. All flow semantics live behind the executor; the
// router only routes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/executor"
	"github.com/flowmesh/flowmesh/node"
)

// Header names of the runtime surface.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderUserID    = "X-User-ID"
	HeaderShardType = "X-Shard-Type"
)

// Config wires the front door.
type Config struct {
	Manager  *executor.Manager
	Registry *node.Registry
	Version  string

	// BodyLimit bounds request bodies ("10M" style); empty disables.
	BodyLimit string
	// RateLimit is the protective front-door limit in requests per second
	// across all callers; zero disables. The per-user fixed window of user
	// shards applies independently.
	RateLimit float64
	// AdminHandler serves /admin/*; nil yields 404.
	AdminHandler http.Handler
	Debug        bool
}

// Router is the front door. Obtain the HTTP handler with Handler.
type Router struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New builds the router.
func New(cfg Config) *Router {
	return &Router{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler assembles the echo instance. logCtx is the clue log context the
// request logger derives from.
func (rt *Router) Handler(logCtx context.Context) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = rt.cfg.Debug

	e.Use(echo.WrapMiddleware(log.HTTP(logCtx)))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if rt.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(rt.cfg.BodyLimit))
	}
	if rt.cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(rt.cfg.RateLimit))))
	}

	e.GET("/health", rt.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if rt.cfg.AdminHandler != nil {
		e.Any("/admin/*", echo.WrapHandler(rt.cfg.AdminHandler))
	}

	e.GET("/api/tools/descriptors", rt.descriptors)
	e.POST("/api/jobs/submit", rt.jobSubmit)
	e.GET("/api/jobs/:id/status", rt.jobPoll(executor.OpJobStatus))
	e.GET("/api/jobs/:id/result", rt.jobPoll(executor.OpJobResult))
	e.Any("/api/*", rt.dispatch)

	return e
}

func (rt *Router) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": rt.cfg.Version,
	})
}

// descriptors serves the editor metadata of every registered node type.
func (rt *Router) descriptors(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"descriptors": rt.cfg.Registry.Descriptors(),
	})
}

// target is the outcome of path classification.
type target struct {
	shardID   string
	path      string
	sessionID string
}

// classify maps the inbound path onto a sharding dimension and the path
// forwarded to the flow route resolver.
func (rt *Router) classify(c echo.Context) (*target, error) {
	p := strings.TrimPrefix(c.Request().URL.Path, "/api")
	if p == "" {
		p = "/"
	}

	switch {
	case p == "/chat" || strings.HasPrefix(p, "/chat/"):
		sessionID := rt.sessionID(c)
		return &target{
			shardID:   "session:" + sessionID,
			path:      subPath(p, "/chat"),
			sessionID: sessionID,
		}, nil

	case p == "/user" || strings.HasPrefix(p, "/user/"):
		userID := rt.userID(c)
		if userID == "" {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "user identity required")
		}
		return &target{shardID: "user:" + userID, path: subPath(p, "/user")}, nil

	case strings.HasPrefix(p, "/workspace/"):
		rest := strings.TrimPrefix(p, "/workspace/")
		id, sub, _ := strings.Cut(rest, "/")
		if id == "" {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "workspace id required")
		}
		return &target{shardID: "workspace:" + id, path: "/" + sub}, nil

	case p == "/tools" || strings.HasPrefix(p, "/tools/"):
		return &target{shardID: "global", path: subPath(p, "/tools")}, nil

	default:
		sessionID := rt.sessionID(c)
		return &target{
			shardID:   "session:" + sessionID,
			path:      p,
			sessionID: sessionID,
		}, nil
	}
}

func subPath(p, prefix string) string {
	rest := strings.TrimPrefix(p, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// sessionID reads the caller's session identity, minting one when absent.
func (rt *Router) sessionID(c echo.Context) string {
	if id := c.QueryParam("session_id"); id != "" {
		return id
	}
	if id := c.Request().Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return uuid.NewString()
}

// userID resolves the user identity from the explicit header or a bearer
// token.
func (rt *Router) userID(c echo.Context) string {
	if id := c.Request().Header.Get(HeaderUserID); id != "" {
		return id
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
		return token
	}
	return ""
}

// dispatch forwards one API request to its shard.
func (rt *Router) dispatch(c echo.Context) error {
	tgt, err := rt.classify(c)
	if err != nil {
		return rt.writeHTTPError(c, err)
	}

	if websocket.IsWebSocketUpgrade(c.Request()) {
		return rt.upgrade(c, tgt)
	}

	req, err := rt.buildRequest(c, tgt)
	if err != nil {
		return rt.writeHTTPError(c, err)
	}
	resp, err := rt.cfg.Manager.Handle(c.Request().Context(), tgt.shardID, req)
	if err != nil {
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "shard dispatch failed"}, log.KV{K: "shard_id", V: tgt.shardID})
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
	return rt.writeResponse(c, tgt, resp)
}

// buildRequest translates the echo request into the shard request shape.
func (rt *Router) buildRequest(c echo.Context, tgt *target) (*executor.Request, error) {
	r := c.Request()
	headers := make(map[string]string, len(r.Header)+1)
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	headers[strings.ToLower(HeaderShardType)] = executor.ShardKind(tgt.shardID)

	query := make(map[string]string)
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	payload, err := readPayload(r)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
	}
	return &executor.Request{
		Method:    r.Method,
		Path:      tgt.path,
		Headers:   headers,
		Query:     query,
		Payload:   payload,
		SessionID: tgt.sessionID,
	}, nil
}

// readPayload decodes a JSON body into data, passing other content through as
// a string.
func readPayload(r *http.Request) (any, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if strings.Contains(r.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	return string(raw), nil
}

// writeResponse copies the shard reply onto the wire. Bodies stream through
// without buffering, which also covers the large-body case.
func (rt *Router) writeResponse(c echo.Context, tgt *target, resp *executor.Response) error {
	h := c.Response().Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	if tgt.sessionID != "" {
		h.Set(HeaderSessionID, tgt.sessionID)
	}
	return c.Stream(resp.StatusCode, resp.ContentType, resp.Body)
}

// writeHTTPError renders echo HTTP errors in the runtime's envelope shape.
func (rt *Router) writeHTTPError(c echo.Context, err error) error {
	he, ok := err.(*echo.HTTPError)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	body := map[string]any{"error": fmt.Sprint(he.Message)}
	if he.Code == http.StatusUnauthorized {
		body["hint"] = "pass " + HeaderUserID + " or a bearer token"
	}
	return c.JSON(he.Code, body)
}

// upgrade accepts the WebSocket and hands it to the shard hub.
func (rt *Router) upgrade(c echo.Context, tgt *target) error {
	shard, err := rt.cfg.Manager.Shard(c.Request().Context(), tgt.shardID)
	if err != nil {
		return rt.writeHTTPError(c, err)
	}
	if tgt.sessionID != "" {
		c.Response().Header().Set(HeaderSessionID, tgt.sessionID)
	}
	conn, err := rt.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil
	}
	shard.Hub().Add(c.Request().Context(), conn)
	return nil
}

// jobSubmit mints a job id, fires the execution on its shard, and returns
// the polling URLs.
func (rt *Router) jobSubmit(c echo.Context) error {
	jobID := uuid.NewString()
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error": "path query parameter is required",
		})
	}
	method := strings.ToUpper(c.QueryParam("method"))
	if method == "" {
		method = http.MethodPost
	}
	payload, err := readPayload(c.Request())
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("malformed body: %v", err)})
	}

	req := &executor.Request{
		Internal: executor.OpJobRun,
		JobID:    jobID,
		Method:   method,
		Path:     path,
		Payload:  payload,
	}
	if err := rt.cfg.Manager.Submit(c.Request().Context(), "job:"+jobID, req); err != nil {
		log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "job submit failed"}, log.KV{K: "job_id", V: jobID})
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": "job submission failed"})
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"jobId":     jobID,
		"statusUrl": "/api/jobs/" + jobID + "/status",
		"resultUrl": "/api/jobs/" + jobID + "/result",
	})
}

// jobPoll reads the status or result record of a job shard.
func (rt *Router) jobPoll(op string) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID := c.Param("id")
		req := &executor.Request{Internal: op, JobID: jobID}
		resp, err := rt.cfg.Manager.Handle(c.Request().Context(), "job:"+jobID, req)
		if err != nil {
			log.Error(c.Request().Context(), err, log.KV{K: "msg", V: "job poll failed"}, log.KV{K: "job_id", V: jobID})
			return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
		}
		return c.Stream(resp.StatusCode, resp.ContentType, resp.Body)
	}
}

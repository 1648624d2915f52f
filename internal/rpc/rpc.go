// Package rpc implements the JSON-RPC 2.0 surface the dashboard and any MCP
// client talk to: POST /mcp for requests, GET /mcp for an SSE keep-alive
// stream.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcprun/internal/logring"
	"github.com/loykin/mcprun/internal/manifest"
	"github.com/loykin/mcprun/internal/metrics"
	"github.com/loykin/mcprun/internal/modectl"
	"github.com/loykin/mcprun/internal/supervisor"
	"github.com/loykin/mcprun/internal/unit"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mcprun"
	serverVersion   = "0.1.0"

	codeUnknownMethod = -32601
	codeBadParams     = -32602
	codeToolError     = -32603

	keepAliveInterval = 15 * time.Second
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server serves the JSON-RPC endpoint backed by a Supervisor.
type Server struct {
	sup  *supervisor.Supervisor
	mode *modectl.Controller
	log  *slog.Logger
	reg  *prometheus.Registry
}

// New returns a Server wired to sup and mode. reg is the private registry
// its collectors were registered against; it backs GET /metrics.
func New(sup *supervisor.Supervisor, mode *modectl.Controller, log *slog.Logger, reg *prometheus.Registry) *Server {
	return &Server{sup: sup, mode: mode, log: log, reg: reg}
}

// Handler returns a gin-backed http.Handler exposing the /mcp and /metrics
// endpoints.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(corsMiddleware())

	g.POST("/mcp", s.handlePost)
	g.GET("/mcp", s.handleStream)
	g.GET("/metrics", gin.WrapH(metrics.Handler(s.reg)))
	return g
}

// NewServer returns a standalone HTTP server for addr, not yet started,
// matching the teacher's timeout-configured http.Server construction.
func NewServer(addr string, sup *supervisor.Supervisor, mode *modectl.Controller, log *slog.Logger, reg *prometheus.Registry) *http.Server {
	srv := New(sup, mode, log, reg)
	return &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // the SSE stream is long-lived
		IdleTimeout:       60 * time.Second,
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	_ = sse.Encode(c.Writer, sse.Event{Event: "connected", Data: "ok"})
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			_ = sse.Encode(c.Writer, sse.Event{Event: "keep-alive", Data: "ping"})
			return true
		}
	})
}

func (s *Server) handlePost(c *gin.Context) {
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &rpcError{Code: codeBadParams, Message: "invalid JSON-RPC request: " + err.Error()},
		})
		return
	}

	resp := s.dispatch(req)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatch(req request) response {
	switch req.Method {
	case "initialize":
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: gin.H{
				"protocolVersion": protocolVersion,
				"capabilities":    gin.H{"tools": gin.H{}},
				"serverInfo":      gin.H{"name": serverName, "version": serverVersion},
			},
		}
	case "tools/list":
		return response{JSONRPC: "2.0", ID: req.ID, Result: toolsList()}
	case "tools/call":
		s.mode.RecordToolCall()
		return s.handleToolsCall(req)
	default:
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeUnknownMethod, Message: "method not found: " + req.Method},
		}
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(req request) response {
	if len(req.Params) == 0 {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeBadParams, Message: "missing params"}}
	}
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeBadParams, Message: "invalid params: " + err.Error()}}
	}

	text, err := s.callTool(params.Name, params.Arguments)
	if err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeToolError, Message: "tool execution error: " + err.Error()}}
	}

	return response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: gin.H{
			"content": []gin.H{{"type": "text", "text": text}},
		},
	}
}

func (s *Server) callTool(name string, rawArgs json.RawMessage) (string, error) {
	switch name {
	case "search_logs":
		return s.toolSearchLogs(rawArgs, func(e *supervisor.Entry) *logring.Ring { return e.Unit.Logs })
	case "search_build_log":
		return s.toolSearchLogs(rawArgs, func(e *supervisor.Entry) *logring.Ring { return e.Unit.Build })
	case "restart":
		return s.toolRestart(rawArgs)
	case "get_status":
		return s.toolGetStatus()
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

type searchArgs struct {
	Process      string  `json:"process"`
	Pattern      *string `json:"pattern"`
	ContextLines *int    `json:"context_lines"`
	Head         *int    `json:"head"`
	Tail         *int    `json:"tail"`
	Index        *int    `json:"index"`
}

func (s *Server) toolSearchLogs(rawArgs json.RawMessage, ring func(*supervisor.Entry) *logring.Ring) (string, error) {
	var args searchArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Process == "" {
		return "", errors.New("missing 'process' parameter")
	}
	e := s.sup.Get(args.Process)
	if e == nil {
		return "", fmt.Errorf("process %q not found", args.Process)
	}

	lines := ring(e).Search(logring.SearchOptions{
		Index:   args.Index,
		Pattern: args.Pattern,
		Context: args.ContextLines,
		Head:    args.Head,
		Tail:    args.Tail,
	})
	return strings.Join(lines, "\n"), nil
}

type restartArgs struct {
	Process string `json:"process"`
}

func (s *Server) toolRestart(rawArgs json.RawMessage) (string, error) {
	var args restartArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Process == "" {
		return "", errors.New("missing 'process' parameter")
	}
	e := s.sup.Get(args.Process)
	if e == nil {
		return "", fmt.Errorf("process %q not found", args.Process)
	}

	e.Unit.SetManualRestart(true)
	s.mode.SwitchToDev()
	metrics.Mode.Set(1)

	release := s.mode.Mode() == modectl.Release

	var artifact string
	if e.Unit.Kind() == unit.Native {
		a, err := e.Builder.Build(release, e.Unit.Build)
		if err != nil {
			e.Unit.SetManualRestart(false)
			return "", fmt.Errorf("build failed: %w", err)
		}
		artifact = a
	}

	e.Unit.Stop()
	if err := e.Unit.Spawn(artifact); err != nil {
		e.Unit.SetManualRestart(false)
		return "", fmt.Errorf("spawn failed: %w", err)
	}

	e.Unit.SetManualRestart(false)
	e.Policy.Reset()
	metrics.UnitStarts.WithLabelValues(args.Process).Inc()
	metrics.UnitRestarts.WithLabelValues(args.Process, "manual").Inc()

	return fmt.Sprintf("process %q restarted successfully", args.Process), nil
}

func (s *Server) toolGetStatus() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", s.mode.Mode())
	if remaining, ok := s.mode.TimeUntilRelease(); ok {
		fmt.Fprintf(&b, "Time until release mode: %dh%dm\n", int(remaining.Hours()), int(remaining.Minutes())%60)
	} else {
		b.WriteString("Currently in release mode\n")
	}
	b.WriteString("\nProcesses:\n")

	for name, e := range s.sup.All() {
		fmt.Fprintf(&b, "\n  %s: %s\n", name, e.Unit.State())
		if started := e.Unit.StartedAt(); !started.IsZero() && e.Unit.State() == unit.Running {
			uptime := time.Since(started)
			fmt.Fprintf(&b, "    Uptime: %dh%dm\n", int(uptime.Hours()), int(uptime.Minutes())%60)
		}
		events := e.Unit.RecentEvents(5)
		if len(events) > 0 {
			b.WriteString("    Recent events:\n")
			for _, ev := range events {
				fmt.Fprintf(&b, "      - %s\n", describeEvent(ev))
			}
		}
		if e.Policy.CrashCount() > 0 {
			fmt.Fprintf(&b, "    Crash count: %d\n", e.Policy.CrashCount())
		}
	}
	return b.String(), nil
}

func describeEvent(e unit.Event) string {
	switch e.Kind {
	case unit.Started:
		return fmt.Sprintf("started at %s", e.At.Format(time.RFC3339))
	default:
		if e.ExitCode != nil {
			return fmt.Sprintf("crashed at %s (exit code %d)", e.At.Format(time.RFC3339), *e.ExitCode)
		}
		return fmt.Sprintf("crashed at %s", e.At.Format(time.RFC3339))
	}
}

func toolsList() gin.H {
	stringProp := func(desc string) gin.H { return gin.H{"type": "string", "description": desc} }
	numberProp := func(desc string) gin.H { return gin.H{"type": "number", "description": desc} }

	searchSchema := gin.H{
		"type": "object",
		"properties": gin.H{
			"process":       stringProp("Process name"),
			"pattern":       stringProp("Optional regex pattern to search for"),
			"context_lines": numberProp("Number of context lines around matches"),
			"head":          numberProp("Return only first N lines"),
			"tail":          numberProp("Return only last N lines"),
			"index":         numberProp("Log instance index (negative for recent, e.g. -1 = most recent)"),
		},
		"required": []string{"process"},
	}

	return gin.H{
		"tools": []gin.H{
			{
				"name":        "search_logs",
				"description": "Search process logs with optional regex pattern, context lines, and head/tail limiting",
				"inputSchema": searchSchema,
			},
			{
				"name":        "search_build_log",
				"description": "Search build logs with optional regex pattern, context lines, and head/tail limiting",
				"inputSchema": searchSchema,
			},
			{
				"name":        "restart",
				"description": "Restart a process (builds first for Native projects, then restarts). Switches back to dev mode.",
				"inputSchema": gin.H{
					"type":       "object",
					"properties": gin.H{"process": stringProp("Process name")},
					"required":   []string{"process"},
				},
			},
			{
				"name":        "get_status",
				"description": "Get status of all processes including mode, uptime, state, and recent events",
				"inputSchema": gin.H{"type": "object", "properties": gin.H{}},
			},
		},
	}
}

// ManifestKind maps a manifest process type to a unit.Kind, exported for
// boot wiring in package mcprun.
func ManifestKind(t manifest.ProcessType) unit.Kind {
	if t == manifest.TypeNpm {
		return unit.Scripted
	}
	return unit.Native
}

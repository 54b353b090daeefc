package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	oauth "github.com/tuannvm/oauth-mcp-proxy"
	mcpoauth "github.com/tuannvm/oauth-mcp-proxy/mcp"
)

const (
	// ServerName is the MCP server name.
	ServerName = "brain"
	// DefaultSessionTimeout closes idle streamable HTTP sessions.
	DefaultSessionTimeout = 30 * time.Minute
)

// ServerInstructions provides usage guidance for LLMs.
const ServerInstructions = `The Brain drives operational events (alerts, chat and Slack requests) through a lifecycle: new, active, waiting_approval, deferred, resolved, closed.

Available tools:
- ingest_event: Submit a new event from chat, slack, aligner or headhunter
- list_events: List events, optionally filtered by state or source
- get_event: Read one event with its latest log turns and open huddles
- reply: Approve, reject, confirm or send guidance as a participant
- request_close: Ask to close a resolved event (non-primary requests go to the primary)
- answer_huddle: Answer an agent's open question (primary only)
- defer_event: Pause an active event while an external process runs
- acknowledge: Clear an escalation so the event can continue
- wake_event: Wake a deferred event early

Only the primary authority can close or approve. Other participants' requests are forwarded to the primary.`

// ServerConfig holds configuration for creating an MCP server.
type ServerConfig struct {
	Name         string
	Version      string
	Instructions string
	Logger       *slog.Logger
	Handlers     *Handlers

	// Addr is the streamable HTTP listen address.
	Addr           string
	SessionTimeout time.Duration

	// OAuth protects the HTTP transport when set.
	OAuth *OAuthConfig
}

// OAuthConfig holds OAuth-specific configuration.
type OAuthConfig struct {
	Provider  string // okta, google, azure, hmac
	Issuer    string
	Audience  string
	ServerURL string
}

// Server is the MCP server with its registered tools.
type Server struct {
	mcpServer *mcp.Server
	config    *ServerConfig
}

// NewServer creates a server and registers every tool. cfg.Handlers is required.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Handlers == nil {
		return nil, errors.New("mcpserver: handlers are required")
	}
	if cfg.Name == "" {
		cfg.Name = ServerName
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Instructions == "" {
		cfg.Instructions = ServerInstructions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
		&mcp.ServerOptions{Instructions: cfg.Instructions, Logger: cfg.Logger},
	)
	registerTools(mcpServer, cfg.Handlers)
	return &Server{mcpServer: mcpServer, config: cfg}, nil
}

// MCP returns the underlying server, e.g. to connect an in-memory transport.
func (s *Server) MCP() *mcp.Server {
	return s.mcpServer
}

// ServeStdio serves on stdin/stdout until ctx is done or the client hangs up.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.config.Logger.Info("serving MCP on stdio")
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// ServeHTTP serves streamable HTTP on /mcp until ctx is done. With an
// OAuth config the endpoint requires a bearer token.
func (s *Server) ServeHTTP(ctx context.Context) error {
	if s.config.Addr == "" {
		return errors.New("mcpserver: HTTP address is required")
	}
	mux := http.NewServeMux()

	if s.config.OAuth != nil {
		serverURL := s.config.OAuth.ServerURL
		if serverURL == "" {
			serverURL = "http://" + s.config.Addr
		}
		oauthServer, handler, err := mcpoauth.WithOAuth(mux, &oauth.Config{
			Provider:  s.config.OAuth.Provider,
			Issuer:    s.config.OAuth.Issuer,
			Audience:  s.config.OAuth.Audience,
			ServerURL: serverURL,
		}, s.mcpServer)
		if err != nil {
			return fmt.Errorf("create OAuth server: %w", err)
		}
		mux.Handle("/mcp", handler)
		oauthServer.LogStartup(false)
		s.config.Logger.Info("serving MCP with OAuth", "url", serverURL+"/mcp", "provider", s.config.OAuth.Provider)
	} else {
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return s.mcpServer
		}, &mcp.StreamableHTTPOptions{
			SessionTimeout: s.config.SessionTimeout,
			Logger:         s.config.Logger,
		})
		mux.Handle("/mcp", handler)
		s.config.Logger.Info("serving MCP", "url", "http://"+s.config.Addr+"/mcp")
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, s.config.Version)
	})

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errCh <- srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-errCh
}

func boolPtr(b bool) *bool {
	return &b
}

func registerTools(server *mcp.Server, h *Handlers) {
	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "ingest_event",
			Description: "Submit a new operational event. Chat and Slack events need the requester as a participant; aligner and headhunter events are owned by the maintainer.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Ingest Event",
				DestructiveHint: boolPtr(false),
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input IngestEventInput) (*mcp.CallToolResult, IngestEventOutput, error) {
			return nil, h.IngestEvent(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "list_events",
			Description: "List events with their state, domain and primary authority.",
			Annotations: &mcp.ToolAnnotations{
				Title:          "List Events",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input ListEventsInput) (*mcp.CallToolResult, ListEventsOutput, error) {
			return nil, h.ListEvents(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "get_event",
			Description: "Read one event: summary, the latest log turns and any open huddle questions.",
			Annotations: &mcp.ToolAnnotations{
				Title:          "Get Event",
				ReadOnlyHint:   true,
				IdempotentHint: true,
				OpenWorldHint:  boolPtr(false),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input GetEventInput) (*mcp.CallToolResult, GetEventOutput, error) {
			return nil, h.GetEvent(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "reply",
			Description: "Reply to an event as a participant: approve or reject a pending decision, confirm a resolution, or send guidance for the next dispatch.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Reply",
				DestructiveHint: boolPtr(false),
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input ReplyInput) (*mcp.CallToolResult, DecisionOutput, error) {
			return nil, h.Reply(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "request_close",
			Description: "Ask to close a resolved event. The primary authority closes it; anyone else triggers a confirmation prompt to the primary.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Request Close",
				DestructiveHint: boolPtr(true),
				IdempotentHint:  true,
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input RequestCloseInput) (*mcp.CallToolResult, DecisionOutput, error) {
			return nil, h.RequestClose(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "answer_huddle",
			Description: "Answer an agent's open huddle question. Only the primary authority may answer.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Answer Huddle",
				DestructiveHint: boolPtr(false),
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input AnswerHuddleInput) (*mcp.CallToolResult, ResultOutput, error) {
			return nil, h.AnswerHuddle(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "defer_event",
			Description: "Pause an active event while an external process (CI, GitOps sync) runs. Cancels the dispatch in flight. A third deferral for the same reason becomes a verification instead.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Defer Event",
				DestructiveHint: boolPtr(true),
				OpenWorldHint:   boolPtr(false),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input DeferEventInput) (*mcp.CallToolResult, DeferEventOutput, error) {
			return nil, h.DeferEvent(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "acknowledge",
			Description: "Acknowledge an escalation so the event can continue.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Acknowledge",
				DestructiveHint: boolPtr(false),
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input AcknowledgeInput) (*mcp.CallToolResult, ResultOutput, error) {
			return nil, h.Acknowledge(ctx, input), nil
		},
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "wake_event",
			Description: "Wake a deferred event before its timer fires. No effect in any other state.",
			Annotations: &mcp.ToolAnnotations{
				Title:           "Wake Event",
				DestructiveHint: boolPtr(false),
				IdempotentHint:  true,
				OpenWorldHint:   boolPtr(true),
			},
		},
		func(ctx context.Context, req *mcp.CallToolRequest, input WakeEventInput) (*mcp.CallToolResult, ResultOutput, error) {
			return nil, h.WakeEvent(ctx, input), nil
		},
	)
}

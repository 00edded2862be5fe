package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/metrics"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/n8n"
	"github.com/alexjbarnes/n8n-gateway/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// supportedVersions lists protocol versions newest first.
var supportedVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// unresolvableMessage is shown when a tool call has no backend to act on.
const unresolvableMessage = "No n8n credentials are available for this session. " +
	"Reconnect through the gateway's login page, or ask the operator to configure default credentials."

// ResultCache stores read-only tool results per credential fingerprint.
// *cache.Cache implements it.
type ResultCache interface {
	Get(fingerprint, key string) ([]byte, bool)
	Put(fingerprint, key string, value []byte) error
	Invalidate(fingerprint string) error
}

// DispatcherConfig configures protocol-level behaviour.
type DispatcherConfig struct {
	Name         string
	Version      string
	Instructions string
	// CompatPromptsAsTools answers prompts/list with the tool list for
	// clients that never call tools/list.
	CompatPromptsAsTools bool
}

// Dispatcher routes parsed JSON-RPC requests to their handlers.
type Dispatcher struct {
	cfg      DispatcherConfig
	catalog  *Catalog
	api      n8n.API
	resolver *session.Resolver
	cache    ResultCache
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. cache and m may be nil.
func NewDispatcher(cfg DispatcherConfig, catalog *Catalog, api n8n.API, resolver *session.Resolver, cache ResultCache, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Name == "" {
		cfg.Name = "n8n-gateway"
	}

	return &Dispatcher{
		cfg:      cfg,
		catalog:  catalog,
		api:      api,
		resolver: resolver,
		cache:    cache,
		metrics:  m,
		logger:   logger,
	}
}

// Dispatch handles one request. auth is nil only for unauthenticated
// tools/list discovery. A panic in any handler becomes an internal
// error response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, auth *session.AuthContext, ps *models.ProtocolSession) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in dispatcher",
				slog.String("method", req.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			resp = failure(req.ID, CodeInternalError, "internal error", nil)
		}
	}()

	m, ok := LookupMethod(req.Method)
	if !ok || (m == MethodPromptsList && !d.cfg.CompatPromptsAsTools) {
		d.metrics.RPCRequest("unknown")
		return failure(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	d.metrics.RPCRequest(req.Method)

	c, err := parseCall(m, req.Params)
	if err != nil {
		return failure(req.ID, CodeInvalidParams, "invalid params: "+err.Error(), nil)
	}

	if auth == nil && m != MethodToolsList {
		return failure(req.ID, CodeUnauthorized, "unauthorized", nil)
	}

	switch c := c.(type) {
	case initializeCall:
		return result(req.ID, d.initialize(c))
	case initializedCall:
		return result(req.ID, struct{}{})
	case pingCall:
		return result(req.ID, struct{}{})
	case listToolsCall:
		return result(req.ID, &mcp.ListToolsResult{Tools: d.catalog.Tools()})
	case listPromptsCall:
		d.logger.Debug("answering prompts/list with tools")
		return result(req.ID, &mcp.ListToolsResult{Tools: d.catalog.Tools()})
	case callToolCall:
		res, rpcErr := d.callTool(ctx, c, auth, ps)
		if rpcErr != nil {
			return &Response{JSONRPC: "2.0", ID: idOrNull(req.ID), Error: rpcErr}
		}

		return result(req.ID, res)
	}

	return failure(req.ID, CodeInternalError, fmt.Sprintf("unhandled method %s", m), nil)
}

func (d *Dispatcher) initialize(c initializeCall) *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: negotiateVersion(c.ProtocolVersion),
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
		ServerInfo: &mcp.Implementation{
			Name:    d.cfg.Name,
			Version: d.cfg.Version,
		},
		Instructions: d.cfg.Instructions,
	}
}

// negotiateVersion echoes a supported client version, else the latest.
func negotiateVersion(requested string) string {
	for _, v := range supportedVersions {
		if v == requested {
			return v
		}
	}

	return supportedVersions[0]
}

// callTool runs one tool. Failures after the tool is identified come
// back as isError results so one bad call does not end the session.
func (d *Dispatcher) callTool(ctx context.Context, c callToolCall, auth *session.AuthContext, ps *models.ProtocolSession) (*mcp.CallToolResult, *RPCError) {
	spec, ok := d.catalog.Lookup(c.Name)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + c.Name}
	}

	if err := d.resolver.Permit(auth, spec.ReadOnly); err != nil {
		d.metrics.ToolCall(spec.Name, "denied")
		return toolError(gwerrors.Description(err)), nil
	}

	req, err := spec.Build(c.Arguments)
	if err != nil {
		d.metrics.ToolCall(spec.Name, "invalid_arguments")
		return toolError(gwerrors.Description(err)), nil
	}

	creds, source, err := d.resolver.Resolve(ctx, auth, ps)
	if err != nil {
		d.metrics.ToolCall(spec.Name, "unresolvable")

		if errors.Is(err, gwerrors.ErrUnresolvable) {
			return toolError(unresolvableMessage), nil
		}

		return toolError(err.Error()), nil
	}

	fingerprint := creds.Fingerprint()
	key := cacheKey(spec.Name, c.Arguments)

	if spec.ReadOnly && d.cache != nil && key != "" {
		if body, ok := d.cache.Get(fingerprint, key); ok {
			d.metrics.ToolCall(spec.Name, "cached")
			return toolText(spec, body), nil
		}
	}

	body, err := d.api.Do(ctx, creds, req)
	if err != nil {
		d.logger.Warn("tool call failed",
			slog.String("tool", spec.Name),
			slog.String("credentials", source.String()),
			slog.String("error", err.Error()),
		)
		if n8n.IsTransient(err) {
			d.metrics.ToolCall(spec.Name, "backend_transient")
			return toolError(fmt.Sprintf("%s failed: %v (temporary, try again shortly)", spec.Name, err)), nil
		}

		d.metrics.ToolCall(spec.Name, "backend_error")

		return toolError(fmt.Sprintf("%s failed: %v", spec.Name, err)), nil
	}

	d.updateCache(spec, fingerprint, key, body)
	d.metrics.ToolCall(spec.Name, "success")

	return toolText(spec, body), nil
}

// updateCache stores read-only results and clears the fingerprint's
// entries after a successful mutation. Cache failures only log.
func (d *Dispatcher) updateCache(spec *ToolSpec, fingerprint, key string, body json.RawMessage) {
	if d.cache == nil {
		return
	}

	var err error

	switch {
	case spec.ReadOnly && key != "":
		err = d.cache.Put(fingerprint, key, body)
	case !spec.ReadOnly:
		err = d.cache.Invalidate(fingerprint)
	}

	if err != nil {
		d.logger.Warn("result cache", slog.String("tool", spec.Name), slog.String("error", err.Error()))
	}
}

// toolText returns the backend body unmodified, after the tool's success
// message when it has one.
func toolText(spec *ToolSpec, body []byte) *mcp.CallToolResult {
	text := string(body)

	switch {
	case spec.Message != "" && text != "":
		text = spec.Message + "\n\n" + text
	case spec.Message != "":
		text = spec.Message
	case text == "":
		text = "OK"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

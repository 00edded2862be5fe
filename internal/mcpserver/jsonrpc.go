package mcpserver

import (
	"encoding/json"
)

// JSON-RPC 2.0 error codes, plus -32001 for authorization failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32001
)

// Request is a JSON-RPC request or notification. ID is absent for
// notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: idOrNull(id), Result: v}
}

func failure(id json.RawMessage, code int, msg string, data any) *Response {
	return &Response{JSONRPC: "2.0", ID: idOrNull(id), Error: &RPCError{Code: code, Message: msg, Data: data}}
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}

	return id
}

// Method is the closed set of methods the dispatcher understands.
type Method int

const (
	MethodInitialize Method = iota + 1
	MethodInitialized
	MethodPing
	MethodToolsList
	MethodToolsCall
	MethodPromptsList
)

var methodNames = map[string]Method{
	"initialize":                MethodInitialize,
	"notifications/initialized": MethodInitialized,
	"ping":                      MethodPing,
	"tools/list":                MethodToolsList,
	"tools/call":                MethodToolsCall,
	"prompts/list":              MethodPromptsList,
}

// LookupMethod maps a wire method name to a Method.
func LookupMethod(name string) (Method, bool) {
	m, ok := methodNames[name]
	return m, ok
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}

	return "unknown"
}

// call is a parsed request with its typed payload. Each method has
// exactly one variant.
type call interface {
	method() Method
}

type initializeCall struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo,omitempty"`
}

type initializedCall struct{}

type pingCall struct{}

type listToolsCall struct{}

type callToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// listPromptsCall exists only for the prompts-as-tools compatibility
// shim.
type listPromptsCall struct{}

func (initializeCall) method() Method  { return MethodInitialize }
func (initializedCall) method() Method { return MethodInitialized }
func (pingCall) method() Method        { return MethodPing }
func (listToolsCall) method() Method   { return MethodToolsList }
func (callToolCall) method() Method    { return MethodToolsCall }
func (listPromptsCall) method() Method { return MethodPromptsList }

// parseCall decodes params for m. Params are optional for every method
// except tools/call.
func parseCall(m Method, params json.RawMessage) (call, error) {
	decode := func(dst any) error {
		if len(params) == 0 || string(params) == "null" {
			return nil
		}

		return json.Unmarshal(params, dst)
	}

	switch m {
	case MethodInitialize:
		var c initializeCall
		return c, decode(&c)
	case MethodInitialized:
		return initializedCall{}, nil
	case MethodPing:
		return pingCall{}, nil
	case MethodToolsList:
		return listToolsCall{}, nil
	case MethodToolsCall:
		var c callToolCall
		if err := decode(&c); err != nil {
			return nil, err
		}

		return c, nil
	case MethodPromptsList:
		return listPromptsCall{}, nil
	}

	return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
}

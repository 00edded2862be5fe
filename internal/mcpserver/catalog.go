package mcpserver

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/n8n"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var toolsYAML []byte

// Where an argument goes in the backend request.
const (
	inPath  = "path"
	inQuery = "query"
	inBody  = "body"
)

// ArgSpec describes one tool argument.
type ArgSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	In          string `yaml:"in"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
}

// ToolSpec maps a tool onto a backend call.
type ToolSpec struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Method      string    `yaml:"method"`
	Path        string    `yaml:"path"`
	ReadOnly    bool      `yaml:"read_only"`
	Destructive bool      `yaml:"destructive"`
	Message     string    `yaml:"message"`
	Args        []ArgSpec `yaml:"args"`
}

// Catalog is the fixed set of tools the gateway exposes.
type Catalog struct {
	specs       map[string]*ToolSpec
	descriptors []*mcp.Tool
}

// LoadCatalog parses the embedded tool catalogue.
func LoadCatalog() (*Catalog, error) {
	return parseCatalog(toolsYAML)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Tools []*ToolSpec `yaml:"tools"`
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing tool catalogue: %w", err)
	}

	c := &Catalog{specs: make(map[string]*ToolSpec, len(doc.Tools))}

	for _, spec := range doc.Tools {
		if err := spec.check(); err != nil {
			return nil, err
		}

		if _, dup := c.specs[spec.Name]; dup {
			return nil, fmt.Errorf("tool %s defined twice", spec.Name)
		}

		c.specs[spec.Name] = spec
		c.descriptors = append(c.descriptors, spec.descriptor())
	}

	return c, nil
}

func (s *ToolSpec) check() error {
	if s.Name == "" || s.Method == "" || !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("tool %q: name, method and path are required", s.Name)
	}

	for _, a := range s.Args {
		switch a.In {
		case inPath:
			if !strings.Contains(s.Path, "{"+a.Name+"}") {
				return fmt.Errorf("tool %s: path has no {%s}", s.Name, a.Name)
			}
		case inQuery, inBody:
		default:
			return fmt.Errorf("tool %s: argument %s has unknown location %q", s.Name, a.Name, a.In)
		}
	}

	return nil
}

// descriptor builds the tools/list entry.
func (s *ToolSpec) descriptor() *mcp.Tool {
	props := make(map[string]any, len(s.Args))
	required := []string{}

	for _, a := range s.Args {
		p := map[string]any{"type": a.Type, "description": a.Description}
		if a.Default != nil {
			p["default"] = a.Default
		}

		props[a.Name] = p

		if a.Required {
			required = append(required, a.Name)
		}
	}

	annotations := &mcp.ToolAnnotations{ReadOnlyHint: s.ReadOnly}
	if !s.ReadOnly {
		destructive := s.Destructive
		annotations.DestructiveHint = &destructive
	}

	return &mcp.Tool{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
		Annotations: annotations,
	}
}

// Tools returns the descriptors in catalogue order.
func (c *Catalog) Tools() []*mcp.Tool {
	return c.descriptors
}

// Lookup finds a tool by name.
func (c *Catalog) Lookup(name string) (*ToolSpec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Build validates args and produces the backend request. Validation
// failures are ErrInvalidRequest.
func (s *ToolSpec) Build(args map[string]any) (n8n.Request, error) {
	req := n8n.Request{Method: s.Method, Path: s.Path}

	var body map[string]any

	for _, a := range s.Args {
		v, ok := args[a.Name]
		if !ok || v == nil {
			if a.Required {
				return n8n.Request{}, gwerrors.Describe(gwerrors.ErrInvalidRequest, "missing required argument %q", a.Name)
			}

			if a.Default == nil {
				continue
			}

			v = a.Default
		}

		switch a.In {
		case inPath:
			str := scalarString(v)
			if str == "" {
				return n8n.Request{}, gwerrors.Describe(gwerrors.ErrInvalidRequest, "argument %q must be a non-empty string", a.Name)
			}

			req.Path = strings.ReplaceAll(req.Path, "{"+a.Name+"}", url.PathEscape(str))
		case inQuery:
			if req.Query == nil {
				req.Query = url.Values{}
			}

			req.Query.Set(a.Name, scalarString(v))
		case inBody:
			if body == nil {
				body = make(map[string]any)
			}

			body[a.Name] = v
		}
	}

	if body != nil {
		req.Body = body
	} else if s.Method == "POST" || s.Method == "PUT" {
		req.Body = map[string]any{}
	}

	return req, nil
}

// scalarString renders a JSON scalar for a path or query position.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// cacheKey canonicalises a call for the result cache. encoding/json
// sorts map keys, so equal arguments give equal keys.
func cacheKey(tool string, args map[string]any) string {
	enc, err := json.Marshal(args)
	if err != nil {
		return ""
	}

	return tool + "\x00" + string(enc)
}

package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler executes a tool call. sess is nil-safe to ignore for tools
// that need no session state.
type ToolHandler func(ctx context.Context, sess SessionContext, args map[string]any) (any, error)

// Tool is a callable capability advertised via tools/list.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Annotations  map[string]any
	Handler      ToolHandler

	validator *jsonschema.Schema
}

// ResourceHandler reads a resource's contents.
type ResourceHandler func(ctx context.Context, sess SessionContext, uri string) (contents any, mimeType string, err error)

// Resource is a readable capability advertised via resources/list.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler
}

// PromptArgument describes one named input a Prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// PromptHandler renders a prompt into a message list.
type PromptHandler func(ctx context.Context, sess SessionContext, args map[string]string) (messages any, err error)

// Prompt is a templated capability advertised via prompts/list.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     PromptHandler
}

// Registry is the Capability Registry (C8): a name-keyed collection per
// capability kind with deterministic name-then-insertion-order listing
// (Design Notes: one capability interface per kind rather than a
// canonical.Operation-shaped concrete-tool model).
type Registry struct {
	mu sync.RWMutex

	tools     map[string]*Tool
	toolOrder []string

	resources     map[string]*Resource
	resourceOrder []string

	prompts     map[string]*Prompt
	promptOrder []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]*Resource),
		prompts:   make(map[string]*Prompt),
	}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// RegisterTool adds or replaces a tool. Its InputSchema, if present, is
// compiled once here so tools/call validates against a prepared schema
// rather than recompiling per request.
func (r *Registry) RegisterTool(t *Tool) error {
	if t.InputSchema != nil {
		validator, err := compileSchema(t.InputSchema)
		if err != nil {
			return Wrap(KindInternal, "compile tool input schema", err)
		}
		t.validator = validator
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.toolOrder = append(r.toolOrder, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

func (r *Registry) Tool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ValidateToolArgs validates args against the tool's compiled input
// schema, if any.
func (t *Tool) ValidateToolArgs(args map[string]any) error {
	if t.validator == nil {
		return nil
	}
	return t.validator.Validate(args)
}

func (r *Registry) RegisterResource(res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.URI]; !exists {
		r.resourceOrder = append(r.resourceOrder, res.URI)
	}
	r.resources[res.URI] = res
}

func (r *Registry) Resource(uri string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	return res, ok
}

func (r *Registry) RegisterPrompt(p *Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[p.Name]; !exists {
		r.promptOrder = append(r.promptOrder, p.Name)
	}
	r.prompts[p.Name] = p
}

func (r *Registry) Prompt(name string) (*Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// SortedTools returns every tool ordered by name, ties (none possible,
// names are map keys) broken by registration order.
func (r *Registry) SortedTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.toolOrder...)
	sort.SliceStable(names, func(i, j int) bool { return names[i] < names[j] })
	out := make([]*Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

func (r *Registry) SortedResources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uris := append([]string(nil), r.resourceOrder...)
	sort.SliceStable(uris, func(i, j int) bool { return uris[i] < uris[j] })
	out := make([]*Resource, 0, len(uris))
	for _, u := range uris {
		out = append(out, r.resources[u])
	}
	return out
}

func (r *Registry) SortedPrompts() []*Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.promptOrder...)
	sort.SliceStable(names, func(i, j int) bool { return names[i] < names[j] })
	out := make([]*Prompt, 0, len(names))
	for _, n := range names {
		out = append(out, r.prompts[n])
	}
	return out
}

// Pagination (§4.8): an opaque cursor encoding a plain offset into the
// deterministically-ordered listing. DEFAULT_PAGE_SIZE/MAX_PAGE_SIZE
// clamp the effective page size.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// EncodeCursor turns an offset into an opaque pagination cursor.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeCursor recovers the offset from a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (int, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, NewError(KindInvalidParams, "malformed pagination cursor")
	}
	offset, err := strconv.Atoi(string(data))
	if err != nil || offset < 0 {
		return 0, NewError(KindInvalidParams, "malformed pagination cursor")
	}
	return offset, nil
}

// Paginate slices items starting at cursor's offset (0 if cursor is
// empty), returning at most pageSize items (a non-positive pageSize means
// DefaultPageSize; larger values are clamped to MaxPageSize) and a nextCursor that is empty once the listing is exhausted.
func Paginate[T any](items []T, cursor string, pageSize int) (page []T, nextCursor string, err error) {
	offset := 0
	if cursor != "" {
		offset, err = DecodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}
	page = items[offset:end]
	if end < len(items) {
		nextCursor = EncodeCursor(end)
	}
	return page, nextCursor, nil
}

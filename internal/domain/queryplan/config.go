package queryplan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// QueryConfig is one step's query. Concrete configs are registered by kind
// and selected through the "kind" field of their JSON form.
type QueryConfig interface {
	Kind() string
	Resource() string
	Phase() Phase
	Validate() error
}

const (
	KindParameter = "parameter"
	KindReference = "reference"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() QueryConfig{
		KindParameter: func() QueryConfig { return &ParameterQuery{} },
		KindReference: func() QueryConfig { return &ReferenceQuery{} },
	}
)

// Register adds a config kind. Registering an existing kind replaces it.
func Register(kind string, factory func() QueryConfig) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Kinds lists the registered kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeConfig selects the concrete type from the "kind" discriminator.
func DecodeConfig(raw []byte) (QueryConfig, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("query config is not valid JSON")
	}
	kind := strings.ToLower(gjson.GetBytes(raw, "kind").String())
	if kind == "" {
		return nil, fmt.Errorf("query config has no kind")
	}
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown query config kind %q", kind)
	}
	cfg := factory()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode %s query config: %w", kind, err)
	}
	return cfg, nil
}

// EncodeConfig writes cfg with its "kind" discriminator.
func EncodeConfig(cfg QueryConfig) (json.RawMessage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil query config")
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(cfg.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// ---------------------------------------------------------------------------
// ParameterQuery
// ---------------------------------------------------------------------------

// ParameterKind selects how a search parameter gets its value.
type ParameterKind string

const (
	ParamLiteral     ParameterKind = "literal"
	ParamVariable    ParameterKind = "variable"
	ParamResourceIDs ParameterKind = "resource-ids"
)

// Parameter is one search parameter template.
type Parameter struct {
	Kind ParameterKind `json:"kind"`
	Name string        `json:"name"`
	// Literal is used verbatim by literal parameters.
	Literal string `json:"literal,omitempty"`
	// Variable names a binding. Format, when set, wraps the value; "{0}"
	// marks where it goes ("ge{0}").
	Variable string `json:"variable,omitempty"`
	Format   string `json:"format,omitempty"`
	// Resource names the type whose gathered ids fill the parameter, split
	// into batches of PageSize.
	Resource string `json:"resource,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

func (p Parameter) validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter has no name")
	}
	switch p.Kind {
	case ParamLiteral:
		if p.Literal == "" {
			return fmt.Errorf("literal parameter %s has no value", p.Name)
		}
	case ParamVariable:
		if p.Variable == "" {
			return fmt.Errorf("variable parameter %s has no variable", p.Name)
		}
		if p.Format != "" && !strings.Contains(p.Format, "{0}") {
			return fmt.Errorf("format for %s has no {0} placeholder", p.Name)
		}
	case ParamResourceIDs:
		if p.Resource == "" {
			return fmt.Errorf("resource-ids parameter %s has no resource", p.Name)
		}
		if p.PageSize < 0 {
			return fmt.Errorf("resource-ids parameter %s has negative pageSize", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s has unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// ParameterQuery is a search with templated parameters.
type ParameterQuery struct {
	ResourceType string      `json:"resourceType"`
	QueryPhase   Phase       `json:"queryPhase,omitempty"`
	Parameters   []Parameter `json:"parameters"`
}

func (q *ParameterQuery) Kind() string     { return KindParameter }
func (q *ParameterQuery) Resource() string { return q.ResourceType }
func (q *ParameterQuery) Phase() Phase     { return q.QueryPhase }

func (q *ParameterQuery) Validate() error {
	if q.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}
	batched := 0
	for _, p := range q.Parameters {
		if err := p.validate(); err != nil {
			return err
		}
		if p.Kind == ParamResourceIDs {
			batched++
		}
	}
	if batched > 1 {
		return fmt.Errorf("at most one resource-ids parameter is allowed")
	}
	return nil
}

// ---------------------------------------------------------------------------
// ReferenceQuery
// ---------------------------------------------------------------------------

// Operation is how reference targets are fetched.
type Operation string

const (
	OperationRead   Operation = "Read"
	OperationSearch Operation = "Search"
)

const DefaultReferencePageSize = 100

// ReferenceQuery follows references of one type found in earlier results.
type ReferenceQuery struct {
	ResourceType string    `json:"resourceType"`
	QueryPhase   Phase     `json:"queryPhase,omitempty"`
	Operation    Operation `json:"operation"`
	PageSize     int       `json:"pageSize,omitempty"`
}

func (q *ReferenceQuery) Kind() string     { return KindReference }
func (q *ReferenceQuery) Resource() string { return q.ResourceType }

func (q *ReferenceQuery) Phase() Phase {
	if q.QueryPhase == "" {
		return PhaseReferential
	}
	return q.QueryPhase
}

func (q *ReferenceQuery) Validate() error {
	if q.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}
	switch q.Operation {
	case OperationRead, OperationSearch:
	default:
		return fmt.Errorf("unsupported operation %q", q.Operation)
	}
	if q.PageSize < 0 {
		return fmt.Errorf("pageSize must not be negative")
	}
	return nil
}

// BatchSize is the number of ids per search.
func (q *ReferenceQuery) BatchSize() int {
	if q.PageSize <= 0 {
		return DefaultReferencePageSize
	}
	return q.PageSize
}

package queryplan

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Binding names populated before the first step runs.
const (
	BindPatientID     = "patientId"
	BindLookbackStart = "lookbackStart"
	BindWindowStart   = "windowStart"
	BindWindowEnd     = "windowEnd"
	BindListID        = "listId"
)

// legacyNames maps variable names used by older plans onto binding names.
var legacyNames = map[string]string{
	"patientid":       BindPatientID,
	"lookbackstart":   BindLookbackStart,
	"reportstartdate": BindWindowStart,
	"reportenddate":   BindWindowEnd,
}

// Bindings is the name to value environment steps read from and write to.
// Resource ids gathered by steps are kept per resource type, in first-seen
// order.
type Bindings struct {
	mu     sync.RWMutex
	values map[string]string
	ids    map[string][]string
	seen   map[string]map[string]bool
}

func NewBindings() *Bindings {
	return &Bindings{
		values: make(map[string]string),
		ids:    make(map[string][]string),
		seen:   make(map[string]map[string]bool),
	}
}

// Seed fills the standard bindings for one acquisition window.
func Seed(patientID string, windowStart, windowEnd time.Time, lookBack ISODuration) *Bindings {
	b := NewBindings()
	b.Set(BindPatientID, patientID)
	b.Set(BindWindowStart, formatTime(windowStart))
	b.Set(BindWindowEnd, formatTime(windowEnd))
	b.Set(BindLookbackStart, formatTime(lookBack.Before(windowStart)))
	return b
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func canonical(name string) string {
	if n, ok := legacyNames[strings.ToLower(name)]; ok {
		return n
	}
	return name
}

func (b *Bindings) Set(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[canonical(name)] = value
}

// Get looks a binding up by name. "ids:<Type>" returns the gathered ids of
// that type joined with commas.
func (b *Bindings) Get(name string) (string, bool) {
	if rt, ok := strings.CutPrefix(name, "ids:"); ok {
		ids := b.IDs(rt)
		return strings.Join(ids, ","), len(ids) > 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[canonical(name)]
	return v, ok && v != ""
}

// AddIDs records resource ids of one type. Duplicates are ignored.
func (b *Bindings) AddIDs(resourceType string, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := b.seen[resourceType]
	if seen == nil {
		seen = make(map[string]bool)
		b.seen[resourceType] = seen
	}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		b.ids[resourceType] = append(b.ids[resourceType], id)
	}
}

// AddKeys records "Type/id" keys.
func (b *Bindings) AddKeys(keys ...string) {
	for _, k := range keys {
		rt, id, ok := strings.Cut(k, "/")
		if ok {
			b.AddIDs(rt, id)
		}
	}
}

func (b *Bindings) IDs(resourceType string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.ids[resourceType]...)
}

// ErrUnbound is returned when a variable parameter names a binding that has
// no value.
type ErrUnbound struct {
	Variable string
}

func (e *ErrUnbound) Error() string {
	return fmt.Sprintf("variable %q is not bound", e.Variable)
}

const defaultIDBatch = 100

// Resolve turns the query's parameter templates into concrete search
// parameter sets. A resource-ids parameter yields one set per batch of ids;
// when no ids of that type have been gathered the result is empty.
func (q *ParameterQuery) Resolve(b *Bindings) ([]url.Values, error) {
	base := url.Values{}
	var batched *Parameter
	for i := range q.Parameters {
		p := q.Parameters[i]
		switch p.Kind {
		case ParamLiteral:
			base.Add(p.Name, p.Literal)
		case ParamVariable:
			v, ok := b.Get(p.Variable)
			if !ok {
				return nil, &ErrUnbound{Variable: p.Variable}
			}
			if p.Format != "" {
				v = strings.ReplaceAll(p.Format, "{0}", v)
			}
			base.Add(p.Name, v)
		case ParamResourceIDs:
			batched = &q.Parameters[i]
		default:
			return nil, fmt.Errorf("parameter %s has unknown kind %q", p.Name, p.Kind)
		}
	}
	if batched == nil {
		return []url.Values{base}, nil
	}

	size := batched.PageSize
	if size <= 0 {
		size = defaultIDBatch
	}
	var out []url.Values
	for _, chunk := range Chunk(b.IDs(batched.Resource), size) {
		params := cloneValues(base)
		params.Set(batched.Name, strings.Join(chunk, ","))
		out = append(out, params)
	}
	return out, nil
}

// Chunk splits ids into consecutive batches of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

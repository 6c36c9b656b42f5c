// Package reference implements the inter-scenario template mechanism.
// Later scenarios can embed placeholders such as
// {{response.990000001.merchant_prepare_id}} in their post fields; the
// resolver rewrites them from a table of snapshots captured while earlier
// scenarios executed.
package reference

import (
	"regexp"
	"strings"

	"github.com/clickpay/clickconform/internal/protocol"
	"github.com/clickpay/clickconform/internal/scenario"
)

// placeholderRe matches one {{...}} expression. Nested or empty braces are
// left untouched.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Entry is the snapshot kept per correlation id. Post holds the scenario's
// form data, Request the final outbound fields, Response the parsed reply.
// Response stays nil until the scenario completes.
type Entry struct {
	Post     map[string]any
	Request  map[string]any
	Response map[string]any
}

// Table maps correlation ids to their snapshots for one run. The engine is
// the sole writer; the resolver only reads.
type Table struct {
	entries map[string]*Entry
}

// NewTable creates an empty reference table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Register records a scenario's resolved post data and outbound payload
// under its correlation id, replacing any earlier snapshot. Called before
// dispatch so a scenario's own post data is referenceable while it is in
// flight. Empty ids are ignored.
func (t *Table) Register(id string, post, request map[string]string) {
	if id == "" {
		return
	}
	t.entries[id] = &Entry{
		Post:    stringMapToAny(post),
		Request: stringMapToAny(request),
	}
}

// SetResponse attaches the parsed reply to an existing snapshot. Called
// after the scenario completes. Unknown ids are ignored.
func (t *Table) SetResponse(id string, response map[string]any) {
	if e, ok := t.entries[id]; ok {
		e.Response = response
	}
}

// Entry returns the snapshot for a correlation id.
func (t *Table) Entry(id string) (*Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// Len returns the number of registered snapshots.
func (t *Table) Len() int {
	return len(t.entries)
}

// BuildTable seeds a table from the current state of a scenario set.
// Records that already carry results, from an earlier run, contribute
// their resolved data; untouched records contribute their literal post
// fields. Later scenarios with the same correlation id override earlier
// ones.
func BuildTable(set []*scenario.TestScenario) *Table {
	t := NewTable()
	for _, s := range set {
		id := s.CorrelationID()
		if id == "" {
			continue
		}
		e := &Entry{}
		if s.ResolvedPost != nil {
			e.Post = stringMapToAny(s.ResolvedPost)
		} else {
			e.Post = cloneAnyMap(s.Post)
		}
		if s.RequestPayload != nil {
			e.Request = stringMapToAny(s.RequestPayload)
		}
		if s.Response != nil {
			e.Response = s.Response
		}
		t.entries[id] = e
	}
	return t
}

// Resolve rewrites every placeholder in raw against the table. Supported
// forms:
//
//	{{scenario.<id>.<source>.<path...>}}   source is response, request or post
//	{{response.<id>.<path...>}}            shorthand for the scenario form
//	{{request.<id>.<path...>}}
//	{{post.<id>.<path...>}}
//
// A placeholder that cannot be resolved, because the expression is
// malformed, the scope is unknown, the id has no snapshot, or the path
// walks through a missing or non-mapping value, becomes the empty string.
// Resolution never fails and is not recursive: resolved output is not
// scanned again.
func Resolve(raw string, t *Table) string {
	if !strings.Contains(raw, "{{") {
		return raw
	}
	return placeholderRe.ReplaceAllStringFunc(raw, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		return t.lookup(expr)
	})
}

// ResolveMap resolves every string value of a post map and renders the
// rest as form-field text. The input map is not modified.
func ResolveMap(post map[string]any, t *Table) map[string]string {
	out := make(map[string]string, len(post))
	for k, v := range post {
		if s, ok := v.(string); ok {
			out[k] = Resolve(s, t)
			continue
		}
		out[k] = protocol.FieldString(v)
	}
	return out
}

func (t *Table) lookup(expr string) string {
	parts := strings.Split(expr, ".")
	if len(parts) < 3 {
		return ""
	}

	var id, source string
	var path []string
	if parts[0] == "scenario" {
		if len(parts) < 4 {
			return ""
		}
		id, source, path = parts[1], parts[2], parts[3:]
	} else {
		id, source, path = parts[1], parts[0], parts[2:]
	}

	e, ok := t.entries[id]
	if !ok {
		return ""
	}

	var current any
	switch source {
	case "response":
		current = anyMapOrNil(e.Response)
	case "request":
		current = anyMapOrNil(e.Request)
	case "post":
		current = anyMapOrNil(e.Post)
	default:
		return ""
	}

	for _, seg := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[seg]
		if !ok {
			return ""
		}
	}

	switch current.(type) {
	case map[string]any, []any, nil:
		return ""
	}
	return protocol.FieldString(current)
}

// anyMapOrNil keeps a nil map from turning into a non-nil interface that
// would survive the walk's type assertion.
func anyMapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func stringMapToAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

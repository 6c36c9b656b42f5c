package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickpay/clickconform/internal/scenario"
)

func tableWithEntry(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable()
	tbl.Register("990000001",
		map[string]string{"click_trans_id": "990000001", "amount": "1000.00"},
		map[string]string{"click_trans_id": "990000001", "sign_time": "2024-01-02 03:04:05"},
	)
	tbl.SetResponse("990000001", map[string]any{
		"error":               float64(0),
		"merchant_prepare_id": "55",
		"detail": map[string]any{
			"trace": "abc-1",
		},
	})
	return tbl
}

func TestResolveWithoutPlaceholders(t *testing.T) {
	tbl := tableWithEntry(t)
	for _, s := range []string{"", "plain", "{single} braces", "990000001"} {
		assert.Equal(t, s, Resolve(s, tbl))
	}
}

func TestResolveSources(t *testing.T) {
	tbl := tableWithEntry(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"response shorthand", "{{response.990000001.merchant_prepare_id}}", "55"},
		{"request shorthand", "{{request.990000001.sign_time}}", "2024-01-02 03:04:05"},
		{"post shorthand", "{{post.990000001.amount}}", "1000.00"},
		{"scenario form response", "{{scenario.990000001.response.merchant_prepare_id}}", "55"},
		{"scenario form post", "{{scenario.990000001.post.amount}}", "1000.00"},
		{"nested path", "{{response.990000001.detail.trace}}", "abc-1"},
		{"numeric value", "{{response.990000001.error}}", "0"},
		{"surrounding text", "id={{response.990000001.merchant_prepare_id}}!", "id=55!"},
		{"inner whitespace", "{{ response.990000001.merchant_prepare_id }}", "55"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.in, tbl))
		})
	}
}

func TestResolveUnresolvableBecomesEmpty(t *testing.T) {
	tbl := tableWithEntry(t)

	tests := []struct {
		name string
		in   string
	}{
		{"two segments", "{{response.990000001}}"},
		{"one segment", "{{response}}"},
		{"scenario form missing path", "{{scenario.990000001.response}}"},
		{"unknown scope", "{{header.990000001.foo}}"},
		{"scenario form unknown source", "{{scenario.990000001.headers.foo}}"},
		{"unknown correlation id", "{{response.123.error}}"},
		{"missing field", "{{response.990000001.absent}}"},
		{"path through scalar", "{{response.990000001.merchant_prepare_id.deep}}"},
		{"mapping as final value", "{{response.990000001.detail}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "", Resolve(tt.in, tbl))
		})
	}
}

func TestResolveBeforeResponseCaptured(t *testing.T) {
	tbl := NewTable()
	tbl.Register("42", map[string]string{"amount": "5.00"}, map[string]string{"amount": "5.00"})

	assert.Equal(t, "", Resolve("{{response.42.error}}", tbl))
	assert.Equal(t, "5.00", Resolve("{{post.42.amount}}", tbl))
}

func TestResolveIndependentPlaceholders(t *testing.T) {
	tbl := tableWithEntry(t)
	got := Resolve("{{response.990000001.merchant_prepare_id}}/{{response.990000001.missing}}/{{post.990000001.amount}}", tbl)
	assert.Equal(t, "55//1000.00", got)
}

func TestResolveNotRecursive(t *testing.T) {
	tbl := NewTable()
	tbl.Register("a", map[string]string{"v": "{{post.b.v}}"}, nil)
	tbl.Register("b", map[string]string{"v": "final"}, nil)

	assert.Equal(t, "{{post.b.v}}", Resolve("{{post.a.v}}", tbl))
}

func TestResolveEmptyBracesLeftAlone(t *testing.T) {
	tbl := tableWithEntry(t)
	assert.Equal(t, "{{}}", Resolve("{{}}", tbl))
}

func TestTableRegister(t *testing.T) {
	tbl := NewTable()
	tbl.Register("", map[string]string{"k": "v"}, nil)
	assert.Equal(t, 0, tbl.Len(), "empty correlation ids are not registered")

	tbl.Register("1", map[string]string{"k": "old"}, nil)
	tbl.Register("1", map[string]string{"k": "new"}, nil)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, "new", Resolve("{{post.1.k}}", tbl))

	tbl.SetResponse("missing", map[string]any{"error": float64(0)})
	_, ok := tbl.Entry("missing")
	assert.False(t, ok)
}

func TestBuildTable(t *testing.T) {
	set := scenario.NewSet([]scenario.Definition{
		{
			Action: scenario.ActionPrepare,
			Post:   map[string]any{"click_trans_id": "1", "amount": "10.00"},
		},
		{
			Action: scenario.ActionComplete,
			Post:   map[string]any{"click_trans_id": "2", "note": "{{response.1.merchant_prepare_id}}"},
		},
		{
			Action: scenario.ActionPrepare,
			Post:   map[string]any{"amount": "no correlation id"},
		},
	})

	// The first record carries results from an earlier run.
	set[0].ResolvedPost = map[string]string{"click_trans_id": "1", "amount": "10.00"}
	set[0].RequestPayload = map[string]string{"click_trans_id": "1", "sign_string": "deadbeef"}
	set[0].Response = map[string]any{"merchant_prepare_id": "99"}

	tbl := BuildTable(set)
	require.Equal(t, 2, tbl.Len())

	assert.Equal(t, "99", Resolve("{{response.1.merchant_prepare_id}}", tbl))
	assert.Equal(t, "deadbeef", Resolve("{{request.1.sign_string}}", tbl))

	// The second record has not run: its literal post seeds the table.
	assert.Equal(t, "{{response.1.merchant_prepare_id}}", Resolve("{{post.2.note}}", tbl))
}

func TestBuildTableLaterEntriesOverride(t *testing.T) {
	set := scenario.NewSet([]scenario.Definition{
		{Action: scenario.ActionPrepare, Post: map[string]any{"click_trans_id": "7", "tag": "first"}},
		{Action: scenario.ActionPrepare, Post: map[string]any{"click_trans_id": "7", "tag": "second"}},
	})

	tbl := BuildTable(set)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, "second", Resolve("{{post.7.tag}}", tbl))
}

func TestResolveMap(t *testing.T) {
	tbl := tableWithEntry(t)

	post := map[string]any{
		"click_trans_id":      "990000002",
		"merchant_prepare_id": "{{response.990000001.merchant_prepare_id}}",
		"amount":              1000,
		"fractional":          10.5,
		"flag":                true,
	}

	got := ResolveMap(post, tbl)
	assert.Equal(t, map[string]string{
		"click_trans_id":      "990000002",
		"merchant_prepare_id": "55",
		"amount":              "1000",
		"fractional":          "10.5",
		"flag":                "true",
	}, got)

	// Input map is untouched.
	assert.Equal(t, "{{response.990000001.merchant_prepare_id}}", post["merchant_prepare_id"])
}

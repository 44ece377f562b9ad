package document

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentJSONRoundTrip(t *testing.T) {
	raw := `{
		"_id": "cust-1",
		"_rev": "2-00000000000000aa",
		"_conflicts": ["2-0000000000000001"],
		"type": "customer",
		"modifiedAt": "2024-03-01T10:00:00Z",
		"companyName": "Acme",
		"address": {"city": "Berlin", "zip": "10115"}
	}`

	var d Document
	require.NoError(t, json.Unmarshal([]byte(raw), &d))

	assert.Equal(t, "cust-1", d.ID)
	assert.Equal(t, "2-00000000000000aa", d.Revision)
	assert.Equal(t, "customer", d.Type)
	assert.Equal(t, []string{"2-0000000000000001"}, d.Conflicts)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), d.ModifiedAt)
	assert.Len(t, d.Fields, 2)
	for k := range d.Fields {
		assert.False(t, IsMetadataKey(k), "metadata key %q leaked into fields", k)
	}

	out, err := json.Marshal(&d)
	require.NoError(t, err)

	var back Document
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, d.ID, back.ID)
	assert.Equal(t, d.Revision, back.Revision)
	assert.Equal(t, d.Conflicts, back.Conflicts)
	assert.True(t, d.ModifiedAt.Equal(back.ModifiedAt))
	assert.True(t, FieldsEqual(d.Fields, back.Fields))
}

func TestUnmarshalRejectsBadConflicts(t *testing.T) {
	var d Document
	assert.Error(t, json.Unmarshal([]byte(`{"_id":"x","_conflicts":"nope"}`), &d))
	assert.Error(t, json.Unmarshal([]byte(`{"_id":"x","modifiedAt":"yesterday"}`), &d))
}

func TestCloneIsDeep(t *testing.T) {
	d := New("p-1", "project", map[string]any{
		"tags":    []any{"a", "b"},
		"address": map[string]any{"city": "Oslo"},
	})
	d.Conflicts = []string{"1-aa"}

	c := d.Clone()
	c.Fields["address"].(map[string]any)["city"] = "Bergen"
	c.Fields["tags"].([]any)[0] = "z"
	c.Conflicts[0] = "1-bb"

	assert.Equal(t, "Oslo", d.Fields["address"].(map[string]any)["city"])
	assert.Equal(t, "a", d.Fields["tags"].([]any)[0])
	assert.Equal(t, "1-aa", d.Conflicts[0])
	assert.Nil(t, (*Document)(nil).Clone())
}

func TestSetRejectsMetadata(t *testing.T) {
	d := New("x", "note", nil)
	assert.Error(t, d.Set(KeyRevision, "1-aa"))
	require.NoError(t, d.Set("title", "hello"))
	v, ok := d.Get("title")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestFinalized(t *testing.T) {
	assert.True(t, New("i", "invoice", map[string]any{"finalized": true}).Finalized())
	assert.False(t, New("i", "invoice", map[string]any{"finalized": "true"}).Finalized())
	assert.False(t, New("i", "invoice", nil).Finalized())
	assert.False(t, (*Document)(nil).Finalized())
}

func TestEqual(t *testing.T) {
	type address struct {
		City string `json:"city"`
		Zip  string `json:"zip"`
	}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"equal strings", "Acme", "Acme", true},
		{"different strings", "Acme", "Acme Corp", false},
		{"int vs float", 1, 1.0, true},
		{"int64 vs json number", int64(7), json.Number("7"), true},
		{"fraction", 1.5, 1.25, false},
		{"nested maps", map[string]any{"city": "Berlin", "geo": map[string]any{"lat": 52}}, map[string]any{"geo": map[string]any{"lat": 52.0}, "city": "Berlin"}, true},
		{"nested maps differ", map[string]any{"city": "Berlin"}, map[string]any{"city": "Bonn"}, false},
		{"struct vs decoded map", address{City: "Berlin", Zip: "10115"}, map[string]any{"city": "Berlin", "zip": "10115"}, true},
		{"typed slice vs any slice", []string{"a", "b"}, []any{"a", "b"}, true},
		{"slice order matters", []any{"a", "b"}, []any{"b", "a"}, false},
		{"nil vs nil", nil, nil, true},
		{"nil vs empty", nil, "", false},
		{"bool", true, true, true},
		{"time vs string", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "2024-01-01T00:00:00Z", true},
		{"pointer", func() any { s := "x"; return &s }(), "x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
			assert.Equal(t, tt.want, Equal(tt.b, tt.a))
		})
	}
}

func TestRevisions(t *testing.T) {
	d := New("c-1", "customer", map[string]any{"name": "Acme"})

	r1, err := NewRevision("", d)
	require.NoError(t, err)
	assert.Equal(t, 1, Generation(r1))

	again, err := NewRevision("", d.Clone())
	require.NoError(t, err)
	assert.Equal(t, r1, again, "identical content under the same parent must produce the same token")

	r2, err := NewRevision(r1, d)
	require.NoError(t, err)
	assert.Equal(t, 2, Generation(r2))

	d.Fields["name"] = "Acme Corp"
	r2b, err := NewRevision(r1, d)
	require.NoError(t, err)
	assert.NotEqual(t, r2, r2b)

	_, err = NewRevision("garbage", d)
	assert.Error(t, err)
}

func TestCompareRevisions(t *testing.T) {
	assert.Equal(t, -1, CompareRevisions("1-ff", "2-00"))
	assert.Equal(t, 1, CompareRevisions("10-00", "9-ff"))
	assert.Equal(t, 1, CompareRevisions("3-bb", "3-aa"))
	assert.Equal(t, 0, CompareRevisions("3-aa", "3-aa"))
	assert.Equal(t, -1, CompareRevisions("bogus", "1-aa"))
	assert.Equal(t, 1, CompareRevisions("1-aa", "bogus"))

	revs := []string{"1-aa", "3-00", "2-ff", "3-01"}
	SortRevisionsDesc(revs)
	assert.Equal(t, []string{"3-01", "3-00", "2-ff", "1-aa"}, revs)
}

func TestWinner(t *testing.T) {
	a := &Document{ID: "x", Revision: "2-aa"}
	b := &Document{ID: "x", Revision: "2-bb"}
	c := &Document{ID: "x", Revision: "1-ff"}

	w, others := Winner([]*Document{a, c, b})
	assert.Same(t, b, w)
	assert.Equal(t, []string{"2-aa", "1-ff"}, others)

	w, others = Winner(nil)
	assert.Nil(t, w)
	assert.Nil(t, others)
}

package discovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWellKnownURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://example.com", "http://example.com/.well-known/wot"},
		{"https://example.com:8443/api/v1?q=1#top", "https://example.com:8443/.well-known/wot"},
		{"192.168.1.20:8080", "http://192.168.1.20:8080/.well-known/wot"},
		{"  device.local/  ", "http://device.local/.well-known/wot"},
		{"http://user:pw@example.com/x", "http://example.com/.well-known/wot"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := WellKnownURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := WellKnownURL("http:///nohost")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{"typed thing", `{"@type": "Thing", "properties": {}}`, singleThingDoc{}},
		{"titled thing", `{"title": "Lamp"}`, singleThingDoc{}},
		{"thing with its own links", `{"title": "Lamp", "links": [{"href": "/doc"}]}`, singleThingDoc{}},
		{"array", `[{"title": "a"}, {"title": "b"}]`, thingListDoc{}},
		{"empty array", `[]`, thingListDoc{}},
		{"things directory", `{"title": "Home", "things": [{"href": "/a"}]}`, directoryDoc{}},
		{"links directory", `{"links": [{"href": "/a"}]}`, directoryDoc{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := classify(json.RawMessage(tt.body))
			require.NoError(t, err)
			assert.IsType(t, tt.want, doc)
		})
	}

	for _, body := range []string{``, `null`, `42`, `"str"`, `{"status": "ok"}`, `{"links": "nope"}`} {
		_, err := classify(json.RawMessage(body))
		assert.ErrorIs(t, err, ErrUnknownShape, "body %q", body)
	}
}

func TestParseListSkipsNonObjects(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	things := parseList(thingListDoc{items: []json.RawMessage{
		json.RawMessage(`{"@id": "urn:a", "title": "A"}`),
		json.RawMessage(`"not a thing"`),
		json.RawMessage(`{"@type": "Thing"}`),
	}}, "http://h/.well-known/wot", now)

	require.Len(t, things, 2)
	assert.Equal(t, "urn:a", things[0].ID)
	assert.Equal(t, "http://h/.well-known/wot", things[1].Title, "untitled things fall back to their source")
	assert.Equal(t, now, things[1].LastSeen)
}

func TestThingID(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "urn:x", thingID(tdHeader{ID: "urn:x", AtID: "urn:y"}, now))
	assert.Equal(t, "urn:y", thingID(tdHeader{AtID: " urn:y "}, now))
	assert.Regexp(t, `^living-room-lamp-2-1700000000123-[0-9a-f]{8}$`, thingID(tdHeader{Title: "Living Room: Lamp #2!"}, now))
	assert.Regexp(t, `^thing-1700000000123-[0-9a-f]{8}$`, thingID(tdHeader{}, now))
}

func TestParseDirectoryKeepsEquallyTitledLinksApart(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	doc, err := classify(json.RawMessage(`{"links": [
		{"href": "/a", "title": "Sensor"},
		{"href": "/b", "title": "Sensor"}
	]}`))
	require.NoError(t, err)
	dir, ok := doc.(directoryDoc)
	require.True(t, ok)

	things, _ := parseDirectory(dir, "http://h/.well-known/wot", now)
	require.Len(t, things, 2)
	assert.NotEqual(t, things[0].ID, things[1].ID)
	assert.Regexp(t, `^sensor-1700000000123-`, things[0].ID)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "température-sensor", slugify("Température  Sensor"))
	assert.Equal(t, "a-b", slugify("--a__b--"))
	assert.Equal(t, "thing", slugify("***"))
}

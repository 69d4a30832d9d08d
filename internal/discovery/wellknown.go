package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WellKnownPath is the WoT discovery path probed on every base URL.
const WellKnownPath = "/.well-known/wot"

var (
	// ErrUnknownShape is returned for a well-known response that is neither a
	// Thing Description, a list of them, nor a directory.
	ErrUnknownShape = errors.New("unrecognized discovery response")
	// ErrUnreachable wraps transport failures (DNS, refused, timeout).
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrInvalidURL is returned for base URLs that have no host.
	ErrInvalidURL = errors.New("invalid base URL")
)

// WellKnownURL replaces the path of base with WellKnownPath, keeping scheme
// and host. A base without a scheme is taken as http.
func WellKnownURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidURL, base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w %q: no host", ErrInvalidURL, base)
	}
	u.Path = WellKnownPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

// tdHeader is the part of a Thing Description discovery reads.
type tdHeader struct {
	ID          string `json:"id"`
	AtID        string `json:"@id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// wellKnownDoc is the classified form of a well-known response.
type wellKnownDoc interface {
	isWellKnownDoc()
}

type singleThingDoc struct {
	raw json.RawMessage
}

type thingListDoc struct {
	items []json.RawMessage
}

type directoryDoc struct {
	entries []json.RawMessage
}

func (singleThingDoc) isWellKnownDoc() {}
func (thingListDoc) isWellKnownDoc()   {}
func (directoryDoc) isWellKnownDoc()   {}

// directoryLink is one entry of a directory's things/links array.
type directoryLink struct {
	Href  string `json:"href"`
	Title string `json:"title"`
}

// classify decides the shape of a well-known body. A "things" array always
// means a directory; otherwise an object with @type or title is a Thing
// Description (TDs carry their own "links" array); otherwise a "links" array
// is a directory.
func classify(body json.RawMessage) (wellKnownDoc, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrUnknownShape
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnknownShape, err)
		}
		return thingListDoc{items: items}, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnknownShape, err)
		}
		if entries, ok := jsonArray(obj["things"]); ok {
			return directoryDoc{entries: entries}, nil
		}
		if looksLikeTD(obj) {
			return singleThingDoc{raw: trimmed}, nil
		}
		if entries, ok := jsonArray(obj["links"]); ok {
			return directoryDoc{entries: entries}, nil
		}
	}
	return nil, ErrUnknownShape
}

func looksLikeTD(obj map[string]json.RawMessage) bool {
	_, hasType := obj["@type"]
	_, hasTitle := obj["title"]
	return hasType || hasTitle
}

func jsonArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// parseThing builds a pending Thing from a raw description. ok is false when
// raw is not a JSON object.
func parseThing(raw json.RawMessage, source string, method Method, now time.Time) (Thing, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Thing{}, false
	}
	var h tdHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return Thing{}, false
	}
	return Thing{
		ID:               thingID(h, now),
		SourceURL:        source,
		TD:               raw,
		Title:            titleOr(h.Title, source),
		Description:      h.Description,
		Method:           method,
		LastSeen:         now,
		Online:           true,
		ValidationStatus: StatusPending,
	}, true
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

func parseSingle(doc singleThingDoc, source string, now time.Time) []Thing {
	t, ok := parseThing(doc.raw, source, MethodWellKnown, now)
	if !ok {
		return nil
	}
	return []Thing{t}
}

func parseList(doc thingListDoc, source string, now time.Time) []Thing {
	out := make([]Thing, 0, len(doc.items))
	for _, item := range doc.items {
		if t, ok := parseThing(item, source, MethodWellKnown, now); ok {
			out = append(out, t)
		}
	}
	return out
}

// parseDirectory turns link entries into placeholders with hrefs resolved
// against source. An entry may be a link object, a bare href string, or an
// embedded Thing Description. The returned hrefs are parallel to the things
// and empty for embedded descriptions.
func parseDirectory(doc directoryDoc, source string, now time.Time) ([]Thing, []string) {
	base, _ := url.Parse(source)
	things := make([]Thing, 0, len(doc.entries))
	hrefs := make([]string, 0, len(doc.entries))
	for _, entry := range doc.entries {
		l, embedded, ok := decodeEntry(entry)
		if !ok {
			continue
		}
		if embedded {
			if t, ok := parseThing(entry, source, MethodWellKnown, now); ok {
				things = append(things, t)
				hrefs = append(hrefs, "")
			}
			continue
		}
		href := resolveHref(base, l.Href)
		things = append(things, placeholder(href, l.Title, now))
		hrefs = append(hrefs, href)
	}
	return things, hrefs
}

func decodeEntry(entry json.RawMessage) (l directoryLink, embedded, ok bool) {
	entry = bytes.TrimSpace(entry)
	if len(entry) == 0 {
		return l, false, false
	}
	if entry[0] == '"' {
		if err := json.Unmarshal(entry, &l.Href); err != nil {
			return l, false, false
		}
		return l, false, strings.TrimSpace(l.Href) != ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(entry, &obj); err != nil {
		return l, false, false
	}
	if err := json.Unmarshal(entry, &l); err == nil && strings.TrimSpace(l.Href) != "" {
		return l, false, true
	}
	return l, true, looksLikeTD(obj)
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func placeholder(href, title string, now time.Time) Thing {
	return Thing{
		ID:               thingID(tdHeader{Title: titleOr(title, href)}, now),
		SourceURL:        href,
		Title:            titleOr(title, href),
		Method:           MethodWellKnown,
		LastSeen:         now,
		Placeholder:      true,
		ValidationStatus: StatusPending,
	}
}

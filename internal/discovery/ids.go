package discovery

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// thingID prefers the description's own identifier. Without one the ID is
// slug(title)-<unix millis>-<random suffix>. The suffix keeps equally titled
// things from one response apart; the ID is not stable across runs, so each
// rediscovery of an id-less device yields a new entity.
func thingID(h tdHeader, now time.Time) string {
	if id := strings.TrimSpace(h.ID); id != "" {
		return id
	}
	if id := strings.TrimSpace(h.AtID); id != "" {
		return id
	}
	return slugify(h.Title) + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "thing"
	}
	return out
}

package rest

import "strings"

// singleObjectMedia is the PostgREST media type that requests a bare object
// instead of an array.
const singleObjectMedia = "application/vnd.pgrst.object+json"

// Prefer holds preferences from the Prefer header (RFC 7240).
type Prefer struct {
	Return string // "minimal", "representation", "headers-only"
}

// parsePrefer parses the Prefer header. Returns nil when absent.
func parsePrefer(header string) *Prefer {
	if header == "" {
		return nil
	}

	p := &Prefer{}
	for pref := range strings.SplitSeq(header, ",") {
		pref = strings.TrimSpace(pref)
		key, value, found := strings.Cut(pref, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.Trim(strings.TrimSpace(strings.ToLower(value)), `"`)
		if key == "return" {
			switch value {
			case "minimal", "representation", "headers-only":
				p.Return = value
			}
		}
	}
	return p
}

// WantsMinimal reports whether the client asked for no response body on
// mutation operations.
func (p *Prefer) WantsMinimal() bool {
	return p != nil && (p.Return == "minimal" || p.Return == "headers-only")
}

// wantsSingleObject reports whether the Accept header requests PostgREST's
// single-object representation.
func wantsSingleObject(accept string) bool {
	for part := range strings.SplitSeq(accept, ",") {
		media, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(media) == singleObjectMedia {
			return true
		}
	}
	return false
}

package sandbox

import (
	"mime"
	"sort"
	"strconv"
	"strings"
)

// acceptRange is one media range from an Accept header.
type acceptRange struct {
	mediaType string
	quality   float64
	// specificity orders ties: full type > subtype wildcard > full wildcard
	specificity int
	order       int
}

// parseAccept parses an Accept header into ranges sorted by quality, then
// specificity, then header order.
func parseAccept(header string) []acceptRange {
	if header == "" {
		return []acceptRange{{mediaType: "*/*", quality: 1, specificity: 0}}
	}

	var ranges []acceptRange
	for i, part := range strings.Split(header, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if qs, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(qs, 64); err == nil {
				q = parsed
			}
		}
		if q <= 0 {
			continue
		}
		spec := 2
		if mt == "*/*" {
			spec = 0
		} else if strings.HasSuffix(mt, "/*") {
			spec = 1
		}
		ranges = append(ranges, acceptRange{mediaType: mt, quality: q, specificity: spec, order: i})
	}

	sort.SliceStable(ranges, func(i, j int) bool {
		if ranges[i].quality != ranges[j].quality {
			return ranges[i].quality > ranges[j].quality
		}
		if ranges[i].specificity != ranges[j].specificity {
			return ranges[i].specificity > ranges[j].specificity
		}
		return ranges[i].order < ranges[j].order
	})
	return ranges
}

// normalizeType expands the shorthand names handlers use ("json", "html")
// into full media types.
func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if strings.Contains(t, "/") {
		return t
	}
	switch t {
	case "json":
		return "application/json"
	case "html":
		return "text/html"
	case "text":
		return "text/plain"
	case "xml":
		return "application/xml"
	case "bin", "binary":
		return "application/octet-stream"
	}
	if byExt := mime.TypeByExtension("." + t); byExt != "" {
		return strings.Split(byExt, ";")[0]
	}
	return t
}

// mediaMatch reports whether offered satisfies the accept range.
func mediaMatch(rng, offered string) bool {
	if rng == "*/*" {
		return true
	}
	if strings.HasSuffix(rng, "/*") {
		return strings.HasPrefix(offered, strings.TrimSuffix(rng, "*"))
	}
	return rng == offered
}

// negotiate returns the first offered type acceptable per the header, in
// preference order of the header, or "" when nothing is acceptable.
func negotiate(header string, offered []string) string {
	normalized := make([]string, len(offered))
	for i, o := range offered {
		normalized[i] = normalizeType(o)
	}
	for _, rng := range parseAccept(header) {
		for i, full := range normalized {
			if mediaMatch(rng.mediaType, full) {
				return offered[i]
			}
		}
	}
	return ""
}

// typeIs implements the request `is(type)` check against a Content-Type.
func typeIs(contentType, probe string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	full := normalizeType(probe)
	if strings.HasSuffix(full, "/*") {
		return strings.HasPrefix(mt, strings.TrimSuffix(full, "*"))
	}
	// "+json" style suffix probe
	if strings.HasPrefix(probe, "+") {
		return strings.HasSuffix(mt, probe)
	}
	return mt == full
}

package keys

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const prefix = "veda:req"

// Request builds the response cache key for an upstream call. The payload is
// hashed so keys stay short for large geometry bodies. The payload length is
// kept next to the 64-bit hash, so two bodies share a key only if they collide
// and are also the same size.
func Request(method, rawURL string, payload []byte) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		m = "GET"
	}
	u := normalizeURL(rawURL)
	if len(payload) == 0 {
		return fmt.Sprintf("%s:%s:%s", prefix, m, u)
	}
	return fmt.Sprintf("%s:%s:%s:p=%016x:n=%d", prefix, m, u, xxhash.Sum64(payload), len(payload))
}

// sorts query parameters so that param order does not split cache entries
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		sort.Strings(q[k])
	}
	u.RawQuery = q.Encode()
	return u.String()
}

package coordinator

import (
	"net/http"
	"strings"
)

// cacheDirectives holds the Cache-Control directives that affect whether a
// runtime response may enter a generation store.
type cacheDirectives struct {
	noStore bool
	noCache bool
}

// parseCacheControl reads every Cache-Control header value. Unknown and
// valued directives are ignored.
func parseCacheControl(header http.Header) cacheDirectives {
	var d cacheDirectives
	for _, value := range header.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store":
				d.noStore = true
			case "no-cache":
				d.noCache = true
			}
		}
	}
	return d
}

// storable reports whether a response fetched at runtime may be cached.
// no-cache responses are stored because every strategy revalidates them;
// no-store responses never are. Manifest assets are precached regardless.
func storable(header http.Header) bool {
	return !parseCacheControl(header).noStore
}

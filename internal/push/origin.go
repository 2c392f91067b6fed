package push

import (
	"net/http"
	"strings"
)

// CheckOrigin returns a websocket.Upgrader CheckOrigin func that accepts
// requests without an Origin header and those whose origin is listed.
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin request or non-browser client.
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}

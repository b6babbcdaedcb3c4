package httputil

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a new *http.Client derived from base
// (or a bare client if base is nil) with timeout applied: when base already
// carries a non-zero Timeout and force is false, the existing timeout is
// kept; otherwise timeout is applied. base itself is never mutated, so
// callers can safely derive several differently-timed clients from one
// shared base (e.g. one per external service) without them interfering.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	clone := &http.Client{Timeout: timeout}
	if base == nil {
		return clone
	}
	clone.Transport = base.Transport
	clone.CheckRedirect = base.CheckRedirect
	clone.Jar = base.Jar
	if base.Timeout > 0 && !force {
		clone.Timeout = base.Timeout
	}
	return clone
}

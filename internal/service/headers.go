package service

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"opsdesk-proxy/internal/client"
)

// ErrMissingAPIKey is returned when the caller sent no Authorization header
// and no service API key is configured.
var ErrMissingAPIKey = errors.New("UPSTREAM_API_KEY não configurada no server (.env.local)")

// hopByHopHeaders are meaningful for a single connection only and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// conditionalHeaders are dropped so the upstream never answers 304 for data
// the dashboard polls.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
}

// NoCacheControl is the Cache-Control value forced on polling responses.
const NoCacheControl = "no-store, no-cache, must-revalidate, proxy-revalidate"

// decodableEncodings are the Accept-Encoding codings the upstream client can undo.
var decodableEncodings = func() map[string]bool {
	m := map[string]bool{"identity": true, "x-gzip": true}
	for _, e := range client.SupportedEncodings {
		m[e] = true
	}
	return m
}()

// FilterRequestHeaders returns the headers to send upstream for an inbound
// request carrying src. It never mutates src.
//
// Host, hop-by-hop and conditional headers are removed. When src has no
// Authorization header, "Bearer <apiKey>" is injected; if apiKey is empty
// ErrMissingAPIKey is returned instead. An Authorization header present in
// src is always kept as is, even when Connection nominates it.
func FilterRequestHeaders(src http.Header, apiKey string) (http.Header, error) {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		dst[ck] = append(dst[ck], vals...)
	}

	// Captured before hop-by-hop removal: a Connection header naming
	// Authorization must not turn a caller credential into the service key.
	callerAuth := dst.Values("Authorization")

	dst.Del("Host")
	removeHopByHop(dst)
	for _, h := range conditionalHeaders {
		dst.Del(h)
	}

	switch {
	case len(callerAuth) > 0:
		dst["Authorization"] = callerAuth
	case apiKey == "":
		return nil, ErrMissingAPIKey
	default:
		dst.Set("Authorization", "Bearer "+apiKey)
	}

	// The relayed body is always decoded and sent without Content-Encoding,
	// so the upstream may only pick codings the client can undo.
	narrowAcceptEncoding(dst)
	return dst, nil
}

// removeHopByHop deletes the fixed hop-by-hop set plus any header the
// Connection header nominates.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// narrowAcceptEncoding keeps only codings the upstream client can decode, so
// the relayed body is always plain bytes. With nothing left the header is
// dropped and the transport negotiates gzip on its own.
func narrowAcceptEncoding(h http.Header) {
	vals := h.Values("Accept-Encoding")
	if len(vals) == 0 {
		return
	}

	var kept []string
	for _, v := range vals {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			coding, _, _ := strings.Cut(tok, ";")
			if decodableEncodings[strings.ToLower(strings.TrimSpace(coding))] {
				kept = append(kept, tok)
			}
		}
	}

	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// relayResponseHeaders returns the headers to send back to the caller.
// Content-Encoding is always removed because the body has been decoded, and
// Content-Length is recomputed for the relayed bytes.
func relayResponseHeaders(src http.Header, method string, bodyLen int) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)

	encoded := dst.Get("Content-Encoding") != ""
	dst.Del("Content-Encoding")

	switch {
	case method == http.MethodHead:
		// No body to measure; the upstream length is only valid when unencoded.
		if encoded {
			dst.Del("Content-Length")
		}
	case bodyLen > 0:
		dst.Set("Content-Length", strconv.Itoa(bodyLen))
	default:
		dst.Del("Content-Length")
	}
	return dst
}

// applyNoCache overrides caching headers on a polling response.
func applyNoCache(h http.Header) {
	h.Set("Cache-Control", NoCacheControl)
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

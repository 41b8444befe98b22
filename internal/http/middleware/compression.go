package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForStreams wraps a compression middleware so chunk streams
// and transcoder callbacks bypass it. Streams are flushed chunk by chunk and
// clients compute byte ranges over the raw media.
func SkipCompressionForStreams(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/video/") || r.Header.Get("Range") != "" {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}

package auth

import (
	"github.com/goliatone/go-router"
)

// SecurityHeaders are set on every response served by the session pages.
var SecurityHeaders = map[string]string{
	"Content-Security-Policy":   "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'",
	"X-Frame-Options":           "DENY",
	"X-Content-Type-Options":    "nosniff",
	"Referrer-Policy":           "no-referrer",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Cache-Control":             "no-store",
}

// SecurityHeadersMiddleware sets headers on the response before calling the next handler.
// Entries in overrides replace the defaults; an empty value drops the header.
func SecurityHeadersMiddleware(overrides map[string]string) router.MiddlewareFunc {
	headers := make(map[string]string, len(SecurityHeaders)+len(overrides))
	for k, v := range SecurityHeaders {
		headers[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(headers, k)
			continue
		}
		headers[k] = v
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			for k, v := range headers {
				ctx.SetHeader(k, v)
			}
			return next(ctx)
		}
	}
}

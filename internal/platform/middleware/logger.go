package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger returns middleware that writes one structured log line per request.
// Health probes log at debug level so the request log stays focused on claim
// traffic, and when the path carries a claim reference the line includes it,
// letting a single filter pull every request that touched a claim.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := log.Info()
			switch {
			case err != nil:
				evt = log.Error().Err(err)
			case strings.HasPrefix(req.URL.Path, "/health"):
				evt = log.Debug()
			}

			if ref := extractClaimRef(c); ref != "" {
				evt = evt.Str("claim_ref", ref)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

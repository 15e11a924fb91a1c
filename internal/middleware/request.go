package middleware

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"storefront-proxy-go/internal/upload"
)

// RequestID assigns a UUID to requests that arrive without an X-Request-Id.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// BodyLimit caps request bodies at maxBytes. Multipart bodies sent to a
// route for which uploadRoute reports true are skipped: the upload limit
// bounds them when the form is read. Any other route keeps the cap whatever
// Content-Type the client claims.
func BodyLimit(maxBytes int64, uploadRoute func(method, path string) bool) echo.MiddlewareFunc {
	return echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit: fmt.Sprintf("%dB", maxBytes),
		Skipper: func(c echo.Context) bool {
			r := c.Request()
			return upload.IsMultipart(r) && uploadRoute(r.Method, c.Path())
		},
	})
}

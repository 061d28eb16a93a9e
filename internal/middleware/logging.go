package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RequestLogger logs HTTP requests with timing and client info.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			fields := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", c.RealIP()),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
			}
			if user := GetUsernameFromContext(c); user != "" {
				fields = append(fields, zap.String("user", user))
			}
			if req.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", req.URL.RawQuery))
			}

			switch {
			case status >= 500:
				log.Error("request", fields...)
			case status >= 400:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}

			return err
		}
	}
}

// Recovery recovers from handler panics and logs them.
func Recovery(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						zap.String("request_id", GetRequestID(c)),
						zap.Any("panic", r),
						zap.String("method", c.Request().Method),
						zap.String("path", c.Request().URL.Path),
						zap.ByteString("stack", debug.Stack()))

					c.Error(echo.NewHTTPError(http.StatusInternalServerError, "Internal server error"))
				}
			}()

			return next(c)
		}
	}
}

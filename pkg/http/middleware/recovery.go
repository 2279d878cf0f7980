package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/WayB98/TIWatcher/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover turns handler panics into a 500 and logs the stack.
func Recover(l *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					perr, ok := r.(error)
					if !ok {
						perr = fmt.Errorf("%v", r)
					}
					if r == http.ErrAbortHandler {
						panic(r)
					}
					l.Error("handler panic",
						logger.Error(perr),
						logger.String("path", c.Path()),
						logger.String("stack", string(debug.Stack())),
					)
					if !c.Response().Committed {
						err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
							"status":  http.StatusInternalServerError,
							"message": "Internal Server Error",
						})
					}
				}
			}()
			return next(c)
		}
	}
}

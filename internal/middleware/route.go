package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
)

var (
	orderIDPattern   = regexp.MustCompile(`/orders/[^/]+`)
	productIDPattern = regexp.MustCompile(`/cards/[0-9]+`)
)

// routeLabel returns the matched route template so order ids never become
// label values. Unrouted requests fall back to a normalized path.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return normalizePath(c.Request.URL.Path)
}

func normalizePath(path string) string {
	path = orderIDPattern.ReplaceAllString(path, "/orders/:orderId")
	return productIDPattern.ReplaceAllString(path, "/cards/:id")
}

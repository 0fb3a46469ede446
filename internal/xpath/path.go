package xpath

import (
	"net/url"
	"strings"
)

// Identifier takes the path parameter p and returns the unescaped object identifier.
func Identifier(p string) string {
	cp, err := url.PathUnescape(p)
	if err == nil {
		p = cp
	}

	return strings.Trim(p, "/")
}

// Package ioutil has small io helpers for provider responses.
package ioutil

import (
	"fmt"
	"io"
)

// BodyPreview reads at most limit bytes of r for inclusion in error
// messages and logs. A failed read yields a placeholder instead of
// losing the surrounding error context.
func BodyPreview(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable body: %v>", err)
	}
	return string(body)
}

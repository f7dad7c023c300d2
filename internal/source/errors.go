package source

import (
	"fmt"
	"net/http"
)

// FetchError describes a failed guarded request. Recoverable errors
// (transport failures, 429 and 5xx) are retried; others end the attempt
// sequence immediately.
type FetchError struct {
	URL         string
	Status      int
	Err         error
	Recoverable bool
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("GET %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("GET %s: status %d %s", e.URL, e.Status, http.StatusText(e.Status))
	default:
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// recoverableStatus reports whether a response status is worth retrying.
func recoverableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

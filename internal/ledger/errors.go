package ledger

import "errors"

// ErrNotFound is returned when a run ID has no ledger entry.
var ErrNotFound = errors.New("run not found")

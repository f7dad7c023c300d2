package store

import "errors"

var (
	ErrStaging           = errors.New("staging table failed")
	ErrLoad              = errors.New("staging load failed")
	ErrMerge             = errors.New("merge into target failed")
	ErrUnknownDialect    = errors.New("unknown target dialect")
	ErrInvalidIdentifier = errors.New("invalid table identifier")
)

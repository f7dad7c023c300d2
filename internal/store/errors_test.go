package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors_Identity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrStaging", ErrStaging},
		{"ErrLoad", ErrLoad},
		{"ErrMerge", ErrMerge},
		{"ErrUnknownDialect", ErrUnknownDialect},
		{"ErrInvalidIdentifier", ErrInvalidIdentifier},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			if s.err.Error() == "" {
				t.Fatal("Sentinel error should have a message")
			}
			wrapped := fmt.Errorf("%w: ACTIVIDADES_TOTALES: %w", s.err, errors.New("driver said no"))
			if !errors.Is(wrapped, s.err) {
				t.Errorf("errors.Is(wrapped, %s) = false", s.name)
			}
		})
	}
}

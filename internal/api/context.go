package api

import (
	"context"
	"errors"

	"github.com/hyperengineering/crmsync/internal/types"
)

// entityContextKey is the context key for the resolved entity.
type entityContextKey struct{}

// ErrNoEntityInContext indicates no entity was found in the context.
var ErrNoEntityInContext = errors.New("no entity in context")

// WithEntity returns a new context with the entity attached.
func WithEntity(ctx context.Context, e types.Entity) context.Context {
	return context.WithValue(ctx, entityContextKey{}, e)
}

// EntityFromContext extracts the entity from the context.
// Returns ErrNoEntityInContext if not present or empty.
func EntityFromContext(ctx context.Context) (types.Entity, error) {
	e, ok := ctx.Value(entityContextKey{}).(types.Entity)
	if !ok || e == "" {
		return "", ErrNoEntityInContext
	}
	return e, nil
}

// MustEntityFromContext extracts the entity or panics.
// Use only when middleware guarantees entity presence.
func MustEntityFromContext(ctx context.Context) types.Entity {
	e, err := EntityFromContext(ctx)
	if err != nil {
		panic("entity not in context: middleware misconfiguration")
	}
	return e
}

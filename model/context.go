package model

import (
	"context"
	"strings"
)

// Actor identifies who performs an operation. Internal users carry an ID;
// external parties are identified by Email only.
type Actor struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// IsZero reports whether the actor carries no identity at all.
func (a Actor) IsZero() bool {
	return a.ID == "" && a.Email == ""
}

// Is reports whether the actor is the internal user id, or, when id is
// empty, the external address email.
func (a Actor) Is(id, email string) bool {
	if id != "" {
		return a.ID == id
	}
	return email != "" && strings.EqualFold(a.Email, email)
}

// String returns the most specific identity, for logs.
func (a Actor) String() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Email
}

type contextKey struct{}

// WithActor attaches an Actor to the given context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// ActorFrom extracts the Actor from the context. The second return value
// is false when none is present.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

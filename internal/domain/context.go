package domain

import "context"

type actorKey struct{}

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	Subject string
	Email   string
}

// SystemActor is used for scheduled and timer-driven operations.
var SystemActor = Actor{Subject: "SYSTEM"}

// WithActor stores an Actor in the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext extracts the Actor from the context, falling back to SystemActor.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return SystemActor
}

// Package actorcontext carries the identity of the human or job driving a
// request. Charge and invoice mutations refuse to proceed without one.
package actorcontext

import "context"

type contextKey struct{}

type Actor struct {
	ID       string
	Username string
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(Actor)
	if !ok || actor.ID == "" {
		return Actor{}, false
	}
	return actor, true
}

package audit

import "context"

type actorKey struct{}

// Actor identifies who triggered a mutation and from where.
type Actor struct {
	UserID    string
	Role      string
	IPAddress string
	UserAgent string
	URL       string
}

// WithActor attaches the actor to ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored on ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// SystemActor marks work started by the CLI or background workers.
func SystemActor(name string) Actor {
	return Actor{UserAgent: "system:" + name}
}

package auth

import "context"

type Role string

const (
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

// Actor identifies who is calling into the project store and stage engine.
// It is passed explicitly into every operation; nothing downstream looks up
// session state on its own.
type Actor struct {
	ID      string
	IsAdmin bool
}

// Role reports the role an actor token should carry.
func (a Actor) Role() Role {
	if a.IsAdmin {
		return RoleAdmin
	}
	return RoleStaff
}

type ctxKey struct{}

// WithActor stores the authenticated actor on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxKey{}).(Actor)
	if !ok || actor.ID == "" {
		return Actor{}, false
	}
	return actor, true
}

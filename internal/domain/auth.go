package domain

// ActorRole differentiates requesters from agents.
type ActorRole string

const (
	ActorRoleRequester ActorRole = "REQUESTER"
	ActorRoleAgent     ActorRole = "AGENT"
)

// Actor is the already-authenticated caller.
type Actor struct {
	ID   string
	Role ActorRole
}

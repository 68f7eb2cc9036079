package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Visibility is the access tier of a content item.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityPrivate   Visibility = "private"
)

// FollowSource answers whether a viewer has an accepted follow on an actor.
type FollowSource interface {
	HasAcceptedFollow(viewerId uuid.UUID, actorURI string) bool
}

// VisibilityGate evaluates per-viewer access to events.
type VisibilityGate struct {
	Domain  string // instance domain, used to construct local actor URIs
	Follows FollowSource
}

// OwnerActorURI returns the canonical actor URI of an event's owner: the
// explicit attribution when set, otherwise constructed from the local
// username.
func (g *VisibilityGate) OwnerActorURI(e *Event) string {
	if e.AttributedTo != "" {
		return e.AttributedTo
	}
	return fmt.Sprintf("https://%s/users/%s", g.Domain, e.CreatedBy)
}

// CanView reports whether the given viewer may see the event. A nil viewerId
// means an anonymous request.
func (g *VisibilityGate) CanView(e *Event, viewerId *uuid.UUID) bool {
	// Unlisted differs from public only in discoverability, not access.
	if e.Visibility == VisibilityPublic || e.Visibility == VisibilityUnlisted {
		return true
	}

	if viewerId == nil {
		return false
	}

	if e.AccountId == *viewerId {
		return true
	}

	switch e.Visibility {
	case VisibilityFollowers:
		return g.Follows.HasAcceptedFollow(*viewerId, g.OwnerActorURI(e))
	default:
		// private, or an unknown tier: owner only
		return false
	}
}

// BroadcastTarget returns the user whose realtime connections should receive
// a push for an item of the given visibility, or nil to broadcast to all
// connected clients.
//
// Followers-only items currently go to all connections, same as public; the
// per-connection filtering happens downstream. Private and unlisted pushes
// are scoped to the owner's connections.
func BroadcastTarget(v Visibility, ownerId uuid.UUID) *uuid.UUID {
	switch v {
	case VisibilityPrivate, VisibilityUnlisted:
		id := ownerId
		return &id
	default:
		return nil
	}
}

// ParseVisibility maps free-form input to a known tier, defaulting to public.
func ParseVisibility(s string) Visibility {
	switch Visibility(s) {
	case VisibilityUnlisted:
		return VisibilityUnlisted
	case VisibilityFollowers:
		return VisibilityFollowers
	case VisibilityPrivate:
		return VisibilityPrivate
	default:
		return VisibilityPublic
	}
}

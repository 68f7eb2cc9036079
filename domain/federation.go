package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated user. Unique by ActorURI,
// upserted on every successful actor fetch and removed only when the remote
// side deletes the actor.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string // <preferredUsername>@<domain>
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	HeaderURL      string
	LastFetchedAt  time.Time
}

// Follow represents a follow relationship. The follower is either a local
// account (AccountId set) or a remote actor (FollowerActorURI set); the
// target is always identified by actor URI. Access decisions only honor
// accepted follows.
type Follow struct {
	Id               uuid.UUID
	AccountId        uuid.UUID // local follower, zero when the follower is remote
	FollowerActorURI string    // remote follower, empty when the follower is local
	TargetActorURI   string    // the actor being followed
	URI              string    // ActivityPub Follow activity URI
	CreatedAt        time.Time
	Accepted         bool
}

// ProcessedActivity records an inbound activity ID that has already been
// handled, so redelivered activities are dropped instead of reapplied.
type ProcessedActivity struct {
	ActivityURI string
	FirstSeenAt time.Time
	ExpiresAt   time.Time
}

// DeliveryQueueItem represents an item in the outbound delivery queue.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

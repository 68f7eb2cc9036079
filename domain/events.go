package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the platform's content item: a gathering announced by a local or
// remote actor.
type Event struct {
	Id          uuid.UUID
	AccountId   uuid.UUID // local owner, zero for purely remote events
	CreatedBy   string    // owner username
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	CreatedAt   time.Time
	Visibility  Visibility
	// ActivityPub fields
	ObjectURI    string // ActivityPub object URI
	AttributedTo string // explicit actor URI, set for federated events
	Federated    bool   // whether to federate this event
}

func (e *Event) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tTitle: %s \n\tStartsAt: %s)", e.Id, e.CreatedBy, e.Title, e.StartsAt)
}

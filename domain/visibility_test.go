package domain

import (
	"testing"

	"github.com/google/uuid"
)

// fakeFollowSource answers accepted-follow checks from a fixed set.
type fakeFollowSource struct {
	accepted map[string]bool // key: viewerId|actorURI
}

func (f *fakeFollowSource) HasAcceptedFollow(viewerId uuid.UUID, actorURI string) bool {
	return f.accepted[viewerId.String()+"|"+actorURI]
}

func TestCanView(t *testing.T) {
	owner := uuid.New()
	follower := uuid.New()
	stranger := uuid.New()

	ownerActorURI := "https://events.test/users/alice"
	gate := &VisibilityGate{
		Domain: "events.test",
		Follows: &fakeFollowSource{accepted: map[string]bool{
			follower.String() + "|" + ownerActorURI: true,
		}},
	}

	event := func(v Visibility) *Event {
		return &Event{
			Id:         uuid.New(),
			AccountId:  owner,
			CreatedBy:  "alice",
			Title:      "meetup",
			Visibility: v,
		}
	}

	tests := []struct {
		name     string
		event    *Event
		viewerId *uuid.UUID
		want     bool
	}{
		{"public anonymous", event(VisibilityPublic), nil, true},
		{"public stranger", event(VisibilityPublic), &stranger, true},
		{"public owner", event(VisibilityPublic), &owner, true},
		{"unlisted anonymous", event(VisibilityUnlisted), nil, true},
		{"unlisted stranger", event(VisibilityUnlisted), &stranger, true},
		{"followers anonymous", event(VisibilityFollowers), nil, false},
		{"followers owner", event(VisibilityFollowers), &owner, true},
		{"followers follower", event(VisibilityFollowers), &follower, true},
		{"followers stranger", event(VisibilityFollowers), &stranger, false},
		{"private anonymous", event(VisibilityPrivate), nil, false},
		{"private owner", event(VisibilityPrivate), &owner, true},
		{"private follower", event(VisibilityPrivate), &follower, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.CanView(tt.event, tt.viewerId); got != tt.want {
				t.Errorf("CanView(%s) = %v, want %v", tt.event.Visibility, got, tt.want)
			}
		})
	}
}

func TestCanViewExplicitAttribution(t *testing.T) {
	follower := uuid.New()
	remoteActor := "https://remote.test/users/bob"

	gate := &VisibilityGate{
		Domain: "events.test",
		Follows: &fakeFollowSource{accepted: map[string]bool{
			follower.String() + "|" + remoteActor: true,
		}},
	}

	// A federated event carries its owner's actor URI explicitly; the
	// constructed local URI must not be used.
	event := &Event{
		Id:           uuid.New(),
		CreatedBy:    "bob@remote.test",
		Visibility:   VisibilityFollowers,
		AttributedTo: remoteActor,
	}

	if !gate.CanView(event, &follower) {
		t.Error("follower of attributed actor should see followers-only event")
	}

	stranger := uuid.New()
	if gate.CanView(event, &stranger) {
		t.Error("stranger should not see followers-only event")
	}
}

func TestOwnerActorURI(t *testing.T) {
	gate := &VisibilityGate{Domain: "events.test"}

	local := &Event{CreatedBy: "alice"}
	if got := gate.OwnerActorURI(local); got != "https://events.test/users/alice" {
		t.Errorf("OwnerActorURI(local) = %q", got)
	}

	remote := &Event{CreatedBy: "bob@remote.test", AttributedTo: "https://remote.test/users/bob"}
	if got := gate.OwnerActorURI(remote); got != "https://remote.test/users/bob" {
		t.Errorf("OwnerActorURI(remote) = %q", got)
	}
}

func TestBroadcastTarget(t *testing.T) {
	owner := uuid.New()

	tests := []struct {
		visibility Visibility
		wantOwner  bool
	}{
		{VisibilityPublic, false},
		{VisibilityUnlisted, true},
		{VisibilityFollowers, false},
		{VisibilityPrivate, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.visibility), func(t *testing.T) {
			got := BroadcastTarget(tt.visibility, owner)
			if tt.wantOwner {
				if got == nil || *got != owner {
					t.Errorf("BroadcastTarget(%s) = %v, want owner", tt.visibility, got)
				}
			} else if got != nil {
				t.Errorf("BroadcastTarget(%s) = %v, want nil", tt.visibility, got)
			}
		})
	}
}

func TestParseVisibility(t *testing.T) {
	tests := []struct {
		in   string
		want Visibility
	}{
		{"public", VisibilityPublic},
		{"unlisted", VisibilityUnlisted},
		{"followers", VisibilityFollowers},
		{"private", VisibilityPrivate},
		{"", VisibilityPublic},
		{"bogus", VisibilityPublic},
	}

	for _, tt := range tests {
		if got := ParseVisibility(tt.in); got != tt.want {
			t.Errorf("ParseVisibility(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

package activitypub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/google/uuid"
)

func TestVisibilityFromAudience(t *testing.T) {
	followersURI := "https://remote.test/users/bob/followers"

	tests := []struct {
		name string
		to   []string
		cc   []string
		want domain.Visibility
	}{
		{"public in to", []string{PublicAudience}, nil, domain.VisibilityPublic},
		{"public in to with followers cc", []string{PublicAudience}, []string{followersURI}, domain.VisibilityPublic},
		{"public in cc", []string{followersURI}, []string{PublicAudience}, domain.VisibilityUnlisted},
		{"followers only", []string{followersURI}, nil, domain.VisibilityFollowers},
		{"followers in cc", nil, []string{followersURI}, domain.VisibilityFollowers},
		{"direct", []string{"https://events.test/users/alice"}, nil, domain.VisibilityPrivate},
		{"empty", nil, nil, domain.VisibilityPrivate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := visibilityFromAudience(tt.to, tt.cc, followersURI); got != tt.want {
				t.Errorf("visibilityFromAudience = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRemoteEventObjectUnmarshal(t *testing.T) {
	payload := `{
		"id": "https://remote.test/events/42",
		"type": "Event",
		"name": "Garden party",
		"content": "<p>Bring snacks</p>",
		"published": "2026-06-01T18:00:00Z",
		"startTime": "2026-06-05T17:30:00Z",
		"attributedTo": "https://remote.test/users/bob",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"cc": ["https://remote.test/users/bob/followers"],
		"location": {"type": "Place", "name": "Community garden"}
	}`

	var obj remoteEventObject
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if obj.ID != "https://remote.test/events/42" {
		t.Errorf("ID = %q", obj.ID)
	}
	if obj.Name != "Garden party" {
		t.Errorf("Name = %q", obj.Name)
	}
	if obj.Location.Name != "Community garden" {
		t.Errorf("Location = %q", obj.Location.Name)
	}
	if got := visibilityFromAudience(obj.To, obj.Cc, "https://remote.test/users/bob/followers"); got != domain.VisibilityPublic {
		t.Errorf("visibility = %s, want public", got)
	}
}

func TestParseRemoteTime(t *testing.T) {
	if got := parseRemoteTime(""); !got.IsZero() {
		t.Errorf("parseRemoteTime(\"\") = %v, want zero", got)
	}
	if got := parseRemoteTime("yesterday-ish"); !got.IsZero() {
		t.Errorf("parseRemoteTime(garbage) = %v, want zero", got)
	}

	want := time.Date(2026, 6, 5, 17, 30, 0, 0, time.UTC)
	if got := parseRemoteTime("2026-06-05T17:30:00Z"); !got.Equal(want) {
		t.Errorf("parseRemoteTime = %v, want %v", got, want)
	}
}

func TestHandleInboxRejectsUnsignedRequest(t *testing.T) {
	// An unsigned request must be rejected before any database access;
	// Inbox.DB is deliberately nil here.
	in := &Inbox{
		Conf:     testConf(),
		Verifier: verifierWithoutDB(NewKeyCache(0)),
	}

	body := `{"id":"https://remote.test/activities/1","type":"Follow","actor":"https://remote.test/users/bob","object":"https://events.test/users/alice"}`
	req := httptest.NewRequest(http.MethodPost, "/users/alice/inbox", strings.NewReader(body))
	rec := httptest.NewRecorder()

	in.HandleInbox(rec, req, "alice")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleInboxAcknowledgesSignedDuplicate(t *testing.T) {
	err, database := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	key := generateTestKeyPair(t)
	keyId := "https://remote.test/users/bob#main-key"
	keys := NewKeyCache(0)
	keys.Set(keyId, publicKeyToPEM(t, &key.PublicKey))

	activityID := "https://remote.test/activities/77"
	if err := database.MarkActivityProcessed(activityID); err != nil {
		t.Fatalf("Failed to mark activity: %v", err)
	}

	body := []byte(fmt.Sprintf(`{"id":%q,"type":"Follow","actor":"https://remote.test/users/bob","object":"https://events.test/users/alice"}`, activityID))
	req := signedTestRequest(t, key, keyId, body)
	rec := httptest.NewRecorder()

	in := &Inbox{DB: database, Conf: testConf(), Verifier: verifierWithoutDB(keys)}
	in.HandleInbox(rec, req, "alice")

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestHandleUndoIgnoresForeignActor(t *testing.T) {
	err, database := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	followURI := "https://remote.test/follows/1"
	follow := &domain.Follow{
		Id:               uuid.New(),
		FollowerActorURI: "https://remote.test/users/bob",
		TargetActorURI:   "https://events.test/users/alice",
		URI:              followURI,
		Accepted:         true,
		CreatedAt:        time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}

	in := &Inbox{DB: database, Conf: testConf()}
	body := []byte(fmt.Sprintf(`{"type":"Undo","object":{"type":"Follow","id":%q}}`, followURI))

	mallory := &domain.RemoteAccount{Username: "mallory@evil.test", ActorURI: "https://evil.test/users/mallory"}
	if err := in.handleUndo(body, mallory); err != nil {
		t.Fatalf("handleUndo: %v", err)
	}
	if _, kept := database.ReadFollowByURI(followURI); kept == nil {
		t.Fatal("follow removed by an actor who does not own it")
	}

	// The follower themselves may retract it
	bob := &domain.RemoteAccount{Username: "bob@remote.test", ActorURI: "https://remote.test/users/bob"}
	if err := in.handleUndo(body, bob); err != nil {
		t.Fatalf("handleUndo: %v", err)
	}
	if _, gone := database.ReadFollowByURI(followURI); gone != nil {
		t.Error("follow should be removed after the owner's Undo")
	}
}

func TestHandleAcceptIgnoresForeignActor(t *testing.T) {
	err, database := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	followURI := "https://events.test/follows/1"
	follow := &domain.Follow{
		Id:             uuid.New(),
		AccountId:      uuid.New(),
		TargetActorURI: "https://remote.test/users/bob",
		URI:            followURI,
		CreatedAt:      time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to create follow: %v", err)
	}

	in := &Inbox{DB: database, Conf: testConf()}

	foreign := []byte(fmt.Sprintf(`{"type":"Accept","actor":"https://evil.test/users/mallory","object":{"id":%q}}`, followURI))
	if err := in.handleAccept(foreign); err != nil {
		t.Fatalf("handleAccept: %v", err)
	}
	_, pending := database.ReadFollowByURI(followURI)
	if pending == nil || pending.Accepted {
		t.Fatal("follow accepted by an actor it does not target")
	}

	fromTarget := []byte(fmt.Sprintf(`{"type":"Accept","actor":"https://remote.test/users/bob","object":{"id":%q}}`, followURI))
	if err := in.handleAccept(fromTarget); err != nil {
		t.Fatalf("handleAccept: %v", err)
	}
	_, accepted := database.ReadFollowByURI(followURI)
	if accepted == nil || !accepted.Accepted {
		t.Error("follow should be accepted after the target's Accept")
	}
}

func TestActivityEnvelopeUnmarshal(t *testing.T) {
	// Object may be a string or an embedded object
	var followActivity Activity
	if err := json.Unmarshal([]byte(`{
		"id": "https://remote.test/activities/1",
		"type": "Follow",
		"actor": "https://remote.test/users/bob",
		"object": "https://events.test/users/alice"
	}`), &followActivity); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if followActivity.Type != "Follow" || followActivity.Object.(string) != "https://events.test/users/alice" {
		t.Errorf("parsed envelope = %+v", followActivity)
	}

	var createActivity Activity
	if err := json.Unmarshal([]byte(`{
		"id": "https://remote.test/activities/2",
		"type": "Create",
		"actor": "https://remote.test/users/bob",
		"object": {"id": "https://remote.test/events/42", "type": "Event"}
	}`), &createActivity); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	obj, ok := createActivity.Object.(map[string]interface{})
	if !ok || obj["id"] != "https://remote.test/events/42" {
		t.Errorf("parsed embedded object = %+v", createActivity.Object)
	}
}

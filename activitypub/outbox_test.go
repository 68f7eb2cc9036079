package activitypub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/fetch"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
)

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Host = "localhost"
	conf.Conf.HttpPort = 8080
	conf.Conf.SslDomain = "events.test"
	conf.Conf.DevMode = true
	return conf
}

func TestAddressing(t *testing.T) {
	followersURI := "https://events.test/users/alice/followers"

	tests := []struct {
		visibility domain.Visibility
		wantTo     string
		wantCc     string
	}{
		{domain.VisibilityPublic, PublicAudience, followersURI},
		{domain.VisibilityUnlisted, followersURI, PublicAudience},
		{domain.VisibilityFollowers, followersURI, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.visibility), func(t *testing.T) {
			to, cc := addressing(tt.visibility, followersURI)
			if len(to) != 1 || to[0] != tt.wantTo {
				t.Errorf("to = %v, want [%s]", to, tt.wantTo)
			}
			if tt.wantCc == "" {
				if cc != nil {
					t.Errorf("cc = %v, want nil", cc)
				}
			} else if len(cc) != 1 || cc[0] != tt.wantCc {
				t.Errorf("cc = %v, want [%s]", cc, tt.wantCc)
			}
		})
	}
}

func TestBuildEventObject(t *testing.T) {
	outbox := NewOutbox(nil, testConf(), fetch.New(true))

	account := &domain.Account{Id: uuid.New(), Username: "alice"}
	event := &domain.Event{
		Id:          uuid.New(),
		AccountId:   account.Id,
		Title:       "Garden party",
		Description: "Bring snacks",
		Location:    "Community garden",
		StartsAt:    time.Date(2026, 6, 5, 17, 30, 0, 0, time.UTC),
		CreatedAt:   time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
		Visibility:  domain.VisibilityPublic,
	}

	obj := outbox.BuildEventObject(event, account)

	if obj["type"] != "Event" {
		t.Errorf("type = %v", obj["type"])
	}
	if obj["attributedTo"] != "https://events.test/users/alice" {
		t.Errorf("attributedTo = %v", obj["attributedTo"])
	}
	if obj["name"] != "Garden party" {
		t.Errorf("name = %v", obj["name"])
	}
	if obj["startTime"] != "2026-06-05T17:30:00Z" {
		t.Errorf("startTime = %v", obj["startTime"])
	}

	to := obj["to"].([]string)
	if len(to) != 1 || to[0] != PublicAudience {
		t.Errorf("to = %v", to)
	}

	location := obj["location"].(map[string]interface{})
	if location["name"] != "Community garden" {
		t.Errorf("location = %v", location)
	}
}

func TestBuildEventObjectOmitsEmptyFields(t *testing.T) {
	outbox := NewOutbox(nil, testConf(), fetch.New(true))
	account := &domain.Account{Id: uuid.New(), Username: "alice"}
	event := &domain.Event{
		Id:         uuid.New(),
		AccountId:  account.Id,
		Title:      "Standup",
		Visibility: domain.VisibilityFollowers,
	}

	obj := outbox.BuildEventObject(event, account)
	if _, ok := obj["location"]; ok {
		t.Error("location should be omitted when empty")
	}
	if _, ok := obj["startTime"]; ok {
		t.Error("startTime should be omitted when zero")
	}
	if _, ok := obj["cc"]; ok {
		t.Error("cc should be omitted for followers visibility")
	}
}

func TestSendActivitySignsRequest(t *testing.T) {
	key := generateTestKeyPair(t)
	pubPEM := publicKeyToPEM(t, &key.PublicKey)

	type received struct {
		body     []byte
		header   http.Header
		verified error
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, verifyErr := VerifySignedRequest(r, pubPEM)
		got <- received{body: body, header: r.Header.Clone(), verified: verifyErr}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	outbox := NewOutbox(nil, testConf(), fetch.New(true))
	account := &domain.Account{
		Id:            uuid.New(),
		Username:      "alice",
		WebPrivateKey: privateKeyToPEM(key),
	}

	activity := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       "https://events.test/activities/1",
		"type":     "Follow",
		"actor":    "https://events.test/users/alice",
		"object":   "https://remote.test/users/bob",
	}

	if err := outbox.SendActivity(context.Background(), activity, srv.URL+"/inbox", account); err != nil {
		t.Fatalf("SendActivity failed: %v", err)
	}

	rec := <-got
	if rec.header.Get("Signature") == "" {
		t.Error("delivered request carries no Signature header")
	}
	if rec.header.Get("Digest") != CreateDigest(rec.body) {
		t.Error("Digest header does not match delivered body")
	}
	if rec.header.Get("Content-Type") != activityJSON {
		t.Errorf("Content-Type = %q", rec.header.Get("Content-Type"))
	}
	if rec.verified != nil {
		t.Errorf("delivered signature did not verify: %v", rec.verified)
	}
}

func TestSendActivityRemoteError(t *testing.T) {
	key := generateTestKeyPair(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	outbox := NewOutbox(nil, testConf(), fetch.New(true))
	account := &domain.Account{Id: uuid.New(), Username: "alice", WebPrivateKey: privateKeyToPEM(key)}

	if err := outbox.SendActivity(context.Background(), map[string]interface{}{"actor": "x"}, srv.URL, account); err == nil {
		t.Error("expected error on remote 500")
	}
}

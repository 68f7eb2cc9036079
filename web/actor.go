package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

// GetActor renders a local account as an ActivityPub Person document.
func GetActor(actor string, conf *util.AppConfig) (error, string) {
	err, acc := db.GetDB().ReadAccByUsername(actor)
	if err != nil {
		return err, "{}"
	}

	username := acc.Username
	pubKey := strings.Replace(acc.WebPublicKey, "\n", "\\n", -1)

	// Use DisplayName if available, otherwise use username
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = username
	}

	// Escape any quotes in summary for JSON
	summary := strings.Replace(acc.Summary, "\"", "\\\"", -1)
	summary = strings.Replace(summary, "\n", "\\n", -1)

	return nil, fmt.Sprintf(
		`{
					"@context": [
						"https://www.w3.org/ns/activitystreams",
						"https://w3id.org/security/v1"
					],

					"id": "%s",
					"type": "Person",
					"preferredUsername": "%s",
					"name" : "%s",
					"summary": "%s",
					"inbox": "%s",
					"outbox": "%s",
					"followers": "%s",
					"following": "%s",
					"url": "%s",
  					"manuallyApprovesFollowers": false,
					"discoverable": true,
  					"endpoints": {
    					"sharedInbox": "%s"
  					},
					"publicKey": {
						"id": "%s#main-key",
						"owner": "%s",
						"publicKeyPem": "%s"
					}
				}`,
		getIRI(conf.Conf.SslDomain, username, id),
		username, displayName, summary,
		getIRI(conf.Conf.SslDomain, username, inbox),
		getIRI(conf.Conf.SslDomain, username, outbox),
		getIRI(conf.Conf.SslDomain, username, followers),
		getIRI(conf.Conf.SslDomain, username, following),
		getIRI(conf.Conf.SslDomain, username, id),
		getIRI(conf.Conf.SslDomain, username, sharedInbox),
		getIRI(conf.Conf.SslDomain, username, id),
		getIRI(conf.Conf.SslDomain, username, id), pubKey)
}

func getIRI(domain string, username string, action action) string {

	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// GetEventObject returns an event as an ActivityStreams Event object. Only
// events the given viewer may see are served; everything else reads as not
// found.
func GetEventObject(eventId uuid.UUID, viewerId *uuid.UUID, gate *domain.VisibilityGate, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, event := database.ReadEventById(eventId)
	if err != nil {
		return err, "{}"
	}

	if !gate.CanView(event, viewerId) {
		return fmt.Errorf("event %s not visible to viewer", eventId), "{}"
	}

	actorURI := gate.OwnerActorURI(event)
	eventURI := event.ObjectURI
	if eventURI == "" {
		eventURI = fmt.Sprintf("https://%s/events/%s", conf.Conf.SslDomain, event.Id.String())
	}

	obj := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           eventURI,
		"type":         "Event",
		"attributedTo": actorURI,
		"name":         event.Title,
		"content":      event.Description,
		"published":    event.CreatedAt.Format(util.DateTimeFormatAP),
	}
	if event.Location != "" {
		obj["location"] = map[string]interface{}{"type": "Place", "name": event.Location}
	}
	if !event.StartsAt.IsZero() {
		obj["startTime"] = event.StartsAt.Format(util.DateTimeFormatAP)
	}

	jsonBytes, err := json.Marshal(obj)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

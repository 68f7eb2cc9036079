package web

import (
	"encoding/json"
	"fmt"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/util"
)

const collectionPageSize = 20

// GetOutboxCollection renders an account's public events as an
// OrderedCollection. Only public items are listed; the outbox is readable by
// anyone.
func GetOutboxCollection(username string, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, account := database.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	err, events := database.ReadPublicEventsByAccount(account.Id, collectionPageSize)
	if err != nil {
		return err, "{}"
	}

	actorURI := getIRI(conf.Conf.SslDomain, account.Username, id)

	var items []interface{}
	for _, event := range *events {
		eventURI := event.ObjectURI
		if eventURI == "" {
			eventURI = fmt.Sprintf("https://%s/events/%s", conf.Conf.SslDomain, event.Id.String())
		}
		items = append(items, map[string]interface{}{
			"id":    fmt.Sprintf("%s/activity", eventURI),
			"type":  "Create",
			"actor": actorURI,
			"object": map[string]interface{}{
				"id":           eventURI,
				"type":         "Event",
				"name":         event.Title,
				"attributedTo": actorURI,
				"published":    event.CreatedAt.Format(util.DateTimeFormatAP),
			},
		})
	}

	collection := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           getIRI(conf.Conf.SslDomain, account.Username, outbox),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetFollowersCollection renders the accepted remote followers of a local
// account. Item URIs are listed so other instances can audit the relation,
// matching what the bigger fediverse servers expose.
func GetFollowersCollection(username string, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, account := database.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	actorURI := getIRI(conf.Conf.SslDomain, account.Username, id)
	err, follows := database.ReadRemoteFollowers(actorURI)
	if err != nil {
		return err, "{}"
	}

	items := []string{}
	if follows != nil {
		for _, f := range *follows {
			items = append(items, f.FollowerActorURI)
		}
	}

	collection := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           getIRI(conf.Conf.SslDomain, account.Username, followers),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetFollowingCollection renders the remote actors a local account follows.
func GetFollowingCollection(username string, conf *util.AppConfig) (error, string) {
	database := db.GetDB()
	err, account := database.ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}

	err, uris := database.ReadFollowedActorURIs(account.Id)
	if err != nil {
		return err, "{}"
	}
	if uris == nil {
		uris = []string{}
	}

	collection := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           getIRI(conf.Conf.SslDomain, account.Username, following),
		"type":         "OrderedCollection",
		"totalItems":   len(uris),
		"orderedItems": uris,
	}

	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

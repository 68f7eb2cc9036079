package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/fetch"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// PublicAudience is the well-known ActivityStreams collection that marks an
// object as publicly addressed.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Outbox builds, signs and dispatches outbound activities. Direct sends and
// queued deliveries both go through the safe fetcher, because inbox URIs
// originate from remote actor documents.
type Outbox struct {
	DB      *db.DB
	Conf    *util.AppConfig
	Fetcher *fetch.Fetcher
}

func NewOutbox(database *db.DB, conf *util.AppConfig, fetcher *fetch.Fetcher) *Outbox {
	return &Outbox{DB: database, Conf: conf, Fetcher: fetcher}
}

func (o *Outbox) actorURI(username string) string {
	return fmt.Sprintf("https://%s/users/%s", o.Conf.Conf.SslDomain, username)
}

func (o *Outbox) newActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.Conf.Conf.SslDomain, uuid.New().String())
}

// SendActivity signs and delivers a single activity to a remote inbox.
func (o *Outbox) SendActivity(ctx context.Context, activity interface{}, inboxURI string, localAccount *domain.Account) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	return o.deliverSigned(ctx, payload, inboxURI, localAccount.Username, localAccount.WebPrivateKey)
}

// deliverSigned performs one signed POST. The signature is computed on a
// scratch request and carried over to the fetcher, which re-validates the
// target before the bytes leave the process.
func (o *Outbox) deliverSigned(ctx context.Context, payload []byte, inboxURI, username, privateKeyPem string) error {
	privateKey, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, inboxURI, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Accept", activityJSON)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", CreateDigest(payload))

	keyID := o.actorURI(username) + "#main-key"
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := o.Fetcher.Do(ctx, inboxURI, fetch.Options{
		Method: http.MethodPost,
		Header: req.Header,
		Body:   payload,
		// Signed requests must not be replayed at a different target.
		MaxRedirects: 1,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	logging.Debug().Str("inbox", inboxURI).Int("status", resp.StatusCode).Msg("delivered activity")
	return nil
}

// SendAccept confirms a Follow request.
func (o *Outbox) SendAccept(ctx context.Context, localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string) error {
	actorURI := o.actorURI(localAccount.Username)

	accept := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.newActivityID(),
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	return o.SendActivity(ctx, accept, remoteActor.InboxURI, localAccount)
}

// SendFollow initiates a follow of a remote actor. The relation stays
// pending until the remote side's Accept arrives.
func (o *Outbox) SendFollow(ctx context.Context, localAccount *domain.Account, remoteActor *domain.RemoteAccount) error {
	followID := o.newActivityID()
	actorURI := o.actorURI(localAccount.Username)

	follow := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       followID,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   remoteActor.ActorURI,
	}

	followRecord := &domain.Follow{
		Id:             uuid.New(),
		AccountId:      localAccount.Id,
		TargetActorURI: remoteActor.ActorURI,
		URI:            followID,
		Accepted:       false,
		CreatedAt:      time.Now(),
	}
	if err := o.DB.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	return o.SendActivity(ctx, follow, remoteActor.InboxURI, localAccount)
}

// SendUndoFollow retracts a previously sent Follow and removes the local
// relation.
func (o *Outbox) SendUndoFollow(ctx context.Context, localAccount *domain.Account, remoteActor *domain.RemoteAccount, followURI string) error {
	actorURI := o.actorURI(localAccount.Username)

	undo := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.newActivityID(),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remoteActor.ActorURI,
		},
	}

	if err := o.DB.DeleteFollowByURI(followURI); err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}

	return o.SendActivity(ctx, undo, remoteActor.InboxURI, localAccount)
}

// addressing returns the to/cc audience lists for an event visibility.
// Private events are never federated; callers must not pass them here.
func addressing(visibility domain.Visibility, followersURI string) (to []string, cc []string) {
	switch visibility {
	case domain.VisibilityPublic:
		return []string{PublicAudience}, []string{followersURI}
	case domain.VisibilityUnlisted:
		return []string{followersURI}, []string{PublicAudience}
	default:
		return []string{followersURI}, nil
	}
}

// BuildEventObject renders a local event as an ActivityStreams Event object.
func (o *Outbox) BuildEventObject(event *domain.Event, localAccount *domain.Account) map[string]interface{} {
	actorURI := o.actorURI(localAccount.Username)
	followersURI := actorURI + "/followers"
	eventURI := fmt.Sprintf("https://%s/events/%s", o.Conf.Conf.SslDomain, event.Id.String())
	to, cc := addressing(event.Visibility, followersURI)

	obj := map[string]interface{}{
		"id":           eventURI,
		"type":         "Event",
		"attributedTo": actorURI,
		"name":         event.Title,
		"content":      event.Description,
		"published":    event.CreatedAt.Format(time.RFC3339),
		"to":           to,
	}
	if cc != nil {
		obj["cc"] = cc
	}
	if event.Location != "" {
		obj["location"] = map[string]interface{}{
			"type": "Place",
			"name": event.Location,
		}
	}
	if !event.StartsAt.IsZero() {
		obj["startTime"] = event.StartsAt.Format(time.RFC3339)
	}
	return obj
}

// SendCreateEvent fans a Create activity for a new event out to all accepted
// remote followers via the delivery queue. Private events never leave the
// instance.
func (o *Outbox) SendCreateEvent(event *domain.Event, localAccount *domain.Account) error {
	if event.Visibility == domain.VisibilityPrivate || !event.Federated {
		return nil
	}

	actorURI := o.actorURI(localAccount.Username)
	followersURI := actorURI + "/followers"
	object := o.BuildEventObject(event, localAccount)
	to, cc := addressing(event.Visibility, followersURI)

	create := map[string]interface{}{
		"@context":  activityStreamsContext,
		"id":        o.newActivityID(),
		"type":      "Create",
		"actor":     actorURI,
		"published": event.CreatedAt.Format(time.RFC3339),
		"to":        to,
		"object":    object,
	}
	if cc != nil {
		create["cc"] = cc
	}

	return o.fanOutToFollowers(create, actorURI)
}

// fanOutToFollowers queues one delivery per remote follower inbox, deduped
// on shared inboxes.
func (o *Outbox) fanOutToFollowers(activity map[string]interface{}, targetActorURI string) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	err, followers := o.DB.ReadRemoteFollowers(targetActorURI)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to read followers for fan-out")
		return nil
	}
	if followers == nil || len(*followers) == 0 {
		return nil
	}

	seen := map[string]bool{}
	queued := 0
	for _, follower := range *followers {
		err, remoteActor := o.DB.ReadRemoteAccountByActorURI(follower.FollowerActorURI)
		if err != nil || remoteActor == nil {
			logging.Warn().Str("actor", follower.FollowerActorURI).Msg("follower not in actor cache, skipping delivery")
			continue
		}

		inbox := remoteActor.InboxURI
		if remoteActor.SharedInboxURI != "" {
			inbox = remoteActor.SharedInboxURI
		}
		if seen[inbox] {
			continue
		}
		seen[inbox] = true

		item := &domain.DeliveryQueueItem{
			Id:           uuid.New(),
			InboxURI:     inbox,
			ActivityJSON: string(payload),
			Attempts:     0,
			NextRetryAt:  time.Now(),
			CreatedAt:    time.Now(),
		}
		if err := o.DB.EnqueueDelivery(item); err != nil {
			logging.Warn().Str("inbox", inbox).Err(err).Msg("failed to queue delivery")
			continue
		}
		queued++
	}

	logging.Info().Int("deliveries", queued).Msg("queued activity fan-out")
	return nil
}

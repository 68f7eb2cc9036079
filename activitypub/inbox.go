package activitypub

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/mention"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
)

// maxActivitySize caps inbound payloads.
const maxActivitySize = 1 << 20

// Activity represents a generic ActivityPub activity envelope.
type Activity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  interface{} `json:"object"`
}

// Broadcaster pushes realtime updates to connected clients. A nil target
// addresses every connection.
type Broadcaster interface {
	Broadcast(eventType string, payload interface{}, target *uuid.UUID)
}

// NotificationSink receives user-facing notifications produced while
// processing inbound activities.
type NotificationSink interface {
	Notify(accountId uuid.UUID, kind string, message string)
}

// Inbox processes inbound federation traffic for local accounts. Every
// activity is signature-verified and deduplicated before any side effect.
type Inbox struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Verifier *Verifier
	Resolver *Resolver
	Outbox   *Outbox
	Mentions *mention.Resolver

	// Optional sinks; nil disables the corresponding push.
	Realtime      Broadcaster
	Notifications NotificationSink
}

func (in *Inbox) localActorURI(username string) string {
	return fmt.Sprintf("https://%s/users/%s", in.Conf.Conf.SslDomain, username)
}

// HandleInbox authenticates, deduplicates and dispatches one inbound
// activity addressed to the given local account.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActivitySize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}
	if activity.ID == "" || activity.Actor == "" {
		http.Error(w, "Activity missing id or actor", http.StatusBadRequest)
		return
	}

	logging.Debug().Str("type", activity.Type).Str("actor", activity.Actor).Msg("inbound activity")

	if digest := r.Header.Get("Digest"); digest != "" {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(CreateDigest(body))) != 1 {
			http.Error(w, "Digest mismatch", http.StatusUnauthorized)
			return
		}
	}

	signerURI, ok := in.Verifier.VerifyRequest(r)
	if !ok {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if signerURI != activity.Actor {
		logging.Warn().Str("signer", signerURI).Str("actor", activity.Actor).Msg("activity actor does not match signing key owner")
		http.Error(w, "Actor mismatch", http.StatusUnauthorized)
		return
	}

	// Redeliveries are acknowledged without reprocessing. The check runs
	// after authentication, so unsigned requests cannot learn which
	// activity IDs this instance has seen, but before any side effect; the
	// mark comes after all of them, so a failed delivery can be retried by
	// the remote side.
	processed, err := in.DB.IsActivityProcessed(activity.ID)
	if err != nil {
		logging.Error().Err(err).Msg("dedup lookup failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if processed {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	remoteActor, err := in.Resolver.GetOrFetchActor(r.Context(), activity.Actor)
	if err != nil {
		logging.Warn().Str("actor", activity.Actor).Err(err).Msg("failed to resolve inbound actor")
		http.Error(w, "Failed to verify actor", http.StatusBadRequest)
		return
	}

	switch activity.Type {
	case "Follow":
		err = in.handleFollow(r, body, username, remoteActor)
	case "Undo":
		err = in.handleUndo(body, remoteActor)
	case "Accept":
		err = in.handleAccept(body)
	case "Create":
		err = in.handleCreate(body, username, remoteActor)
	case "Update":
		err = in.handleUpdate(r, body)
	case "Delete":
		err = in.handleDelete(body)
	case "Like":
		err = in.handleLike(body, remoteActor)
	default:
		logging.Debug().Str("type", activity.Type).Msg("ignoring unsupported activity type")
	}

	if err != nil {
		logging.Warn().Str("type", activity.Type).Str("actor", activity.Actor).Err(err).Msg("failed to process activity")
		http.Error(w, "Failed to process activity", http.StatusInternalServerError)
		return
	}

	if err := in.DB.MarkActivityProcessed(activity.ID); err != nil {
		logging.Error().Str("activity", activity.ID).Err(err).Msg("failed to record processed activity")
	}

	w.WriteHeader(http.StatusAccepted)
}

func (in *Inbox) handleFollow(r *http.Request, body []byte, username string, remoteActor *domain.RemoteAccount) error {
	var follow struct {
		ID     string `json:"id"`
		Actor  string `json:"actor"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &follow); err != nil {
		return fmt.Errorf("failed to parse Follow activity: %w", err)
	}

	err, localAccount := in.DB.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	followRecord := &domain.Follow{
		Id:               uuid.New(),
		FollowerActorURI: remoteActor.ActorURI,
		TargetActorURI:   in.localActorURI(localAccount.Username),
		URI:              follow.ID,
		Accepted:         true, // follows are auto-accepted
		CreatedAt:        time.Now(),
	}
	if err := in.DB.CreateFollow(followRecord); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	if err := in.Outbox.SendAccept(r.Context(), localAccount, remoteActor, follow.ID); err != nil {
		return fmt.Errorf("failed to send Accept: %w", err)
	}

	if in.Notifications != nil {
		in.Notifications.Notify(localAccount.Id, "follow", remoteActor.Username+" now follows you")
	}
	logging.Info().Str("follower", remoteActor.Username).Str("account", username).Msg("accepted follow")
	return nil
}

func (in *Inbox) handleUndo(body []byte, remoteActor *domain.RemoteAccount) error {
	var undo struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &undo); err != nil {
		return fmt.Errorf("failed to parse Undo activity: %w", err)
	}

	var obj struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(undo.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse Undo object: %w", err)
	}

	if obj.Type == "Follow" {
		err, follow := in.DB.ReadFollowByURI(obj.ID)
		if err != nil || follow == nil {
			return nil
		}
		// Only the follower may retract their own follow.
		if follow.FollowerActorURI != remoteActor.ActorURI {
			logging.Warn().Str("follow", obj.ID).Str("actor", remoteActor.ActorURI).Msg("rejecting Undo from non-owner")
			return nil
		}
		if err := in.DB.DeleteFollowByURI(obj.ID); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		logging.Info().Str("follower", remoteActor.Username).Msg("removed follow")
	}
	return nil
}

func (in *Inbox) handleAccept(body []byte) error {
	var accept struct {
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &accept); err != nil {
		return fmt.Errorf("failed to parse Accept activity: %w", err)
	}

	var followObj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(accept.Object, &followObj); err != nil {
		return fmt.Errorf("failed to parse Accept object: %w", err)
	}

	err, follow := in.DB.ReadFollowByURI(followObj.ID)
	if err != nil || follow == nil {
		return nil
	}
	// Only the actor our follow targets may accept it.
	if follow.TargetActorURI != accept.Actor {
		logging.Warn().Str("follow", followObj.ID).Str("actor", accept.Actor).Msg("rejecting Accept from non-target")
		return nil
	}

	if err := in.DB.AcceptFollowByURI(followObj.ID); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	logging.Info().Str("follow", followObj.ID).Str("actor", accept.Actor).Msg("follow accepted by remote")
	return nil
}

// remoteEventObject is the subset of an ActivityStreams Event (or Note) we
// store from inbound Create and Update activities.
type remoteEventObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	StartTime    string   `json:"startTime"`
	AttributedTo string   `json:"attributedTo"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	Location     struct {
		Name string `json:"name"`
	} `json:"location"`
}

// visibilityFromAudience derives the access tier from to/cc addressing.
func visibilityFromAudience(to, cc []string, followersURI string) domain.Visibility {
	for _, t := range to {
		if t == PublicAudience {
			return domain.VisibilityPublic
		}
	}
	for _, c := range cc {
		if c == PublicAudience {
			return domain.VisibilityUnlisted
		}
	}
	for _, t := range append(to, cc...) {
		if t == followersURI {
			return domain.VisibilityFollowers
		}
	}
	return domain.VisibilityPrivate
}

func (in *Inbox) handleCreate(body []byte, username string, remoteActor *domain.RemoteAccount) error {
	var create struct {
		ID     string            `json:"id"`
		Actor  string            `json:"actor"`
		Object remoteEventObject `json:"object"`
	}
	if err := json.Unmarshal(body, &create); err != nil {
		return fmt.Errorf("failed to parse Create activity: %w", err)
	}

	if create.Object.Type != "Event" && create.Object.Type != "Note" {
		logging.Debug().Str("objectType", create.Object.Type).Msg("ignoring Create for unsupported object type")
		return nil
	}
	if create.Object.ID == "" {
		return fmt.Errorf("Create object missing id")
	}

	err, localAccount := in.DB.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("failed to get local account: %w", err)
	}

	// Only content from actors the recipient follows is stored.
	if !in.DB.HasAcceptedFollow(localAccount.Id, remoteActor.ActorURI) {
		logging.Debug().Str("actor", remoteActor.ActorURI).Msg("rejecting Create from unfollowed actor")
		return nil
	}

	err, existing := in.DB.ReadEventByObjectURI(create.Object.ID)
	if err == nil && existing != nil {
		return nil
	}

	obj := create.Object
	title := obj.Name
	if title == "" {
		title = util.NormalizeInput(obj.Content)
	}

	event := &domain.Event{
		Id:           uuid.New(),
		CreatedBy:    remoteActor.Username,
		Title:        title,
		Description:  obj.Content,
		Location:     obj.Location.Name,
		StartsAt:     parseRemoteTime(obj.StartTime),
		CreatedAt:    time.Now(),
		Visibility:   visibilityFromAudience(obj.To, obj.Cc, remoteActor.ActorURI+"/followers"),
		ObjectURI:    obj.ID,
		AttributedTo: remoteActor.ActorURI,
		Federated:    true,
	}
	if published := parseRemoteTime(obj.Published); !published.IsZero() {
		event.CreatedAt = published
	}

	if err := in.DB.CreateEvent(event); err != nil {
		return fmt.Errorf("failed to store remote event: %w", err)
	}

	in.notifyMentioned(event, remoteActor)

	if in.Realtime != nil {
		target := domain.BroadcastTarget(event.Visibility, localAccount.Id)
		in.Realtime.Broadcast("event.created", event, target)
	}

	logging.Info().Str("event", obj.ID).Str("actor", remoteActor.Username).Msg("stored remote event")
	return nil
}

// notifyMentioned resolves mentions in the event text and notifies the local
// accounts among them.
func (in *Inbox) notifyMentioned(event *domain.Event, remoteActor *domain.RemoteAccount) {
	if in.Mentions == nil || in.Notifications == nil {
		return
	}
	for _, target := range in.Mentions.Resolve(event.Title + " " + event.Description) {
		if target.Local == nil {
			continue
		}
		in.Notifications.Notify(target.Local.Id, "mention",
			remoteActor.Username+" mentioned you in "+event.Title)
	}
}

func (in *Inbox) handleUpdate(r *http.Request, body []byte) error {
	var update struct {
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("failed to parse Update activity: %w", err)
	}

	var objectType struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(update.Object, &objectType); err != nil {
		return fmt.Errorf("failed to parse Update object: %w", err)
	}

	switch objectType.Type {
	case "Person", "Service", "Application":
		// Profile update, refresh the cached actor document
		actor := in.Resolver.FetchActor(r.Context(), update.Actor)
		if actor == nil {
			return fmt.Errorf("failed to fetch updated actor %s", update.Actor)
		}
		if _, err := in.Resolver.CacheRemoteUser(actor); err != nil {
			return err
		}
		logging.Info().Str("actor", update.Actor).Msg("refreshed remote profile")

	case "Event", "Note":
		var obj remoteEventObject
		if err := json.Unmarshal(update.Object, &obj); err != nil {
			return fmt.Errorf("failed to parse updated object: %w", err)
		}

		err, existing := in.DB.ReadEventByObjectURI(obj.ID)
		if err != nil || existing == nil {
			logging.Debug().Str("object", obj.ID).Msg("update for unknown event, ignoring")
			return nil
		}
		// Updates from anyone but the original author are dropped.
		if existing.AttributedTo != update.Actor {
			logging.Warn().Str("object", obj.ID).Str("actor", update.Actor).Msg("rejecting update from non-author")
			return nil
		}

		title := obj.Name
		if title == "" {
			title = existing.Title
		}
		if err := in.DB.UpdateEventFromRemote(obj.ID, title, obj.Content, obj.Location.Name, parseRemoteTime(obj.StartTime)); err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		logging.Info().Str("object", obj.ID).Msg("updated remote event")

	default:
		logging.Debug().Str("objectType", objectType.Type).Msg("ignoring Update for unsupported object type")
	}
	return nil
}

func (in *Inbox) handleDelete(body []byte) error {
	var del struct {
		Actor  string      `json:"actor"`
		Object interface{} `json:"object"`
	}
	if err := json.Unmarshal(body, &del); err != nil {
		return fmt.Errorf("failed to parse Delete activity: %w", err)
	}

	var objectURI string
	switch obj := del.Object.(type) {
	case string:
		objectURI = obj
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			objectURI = id
		}
	}
	if objectURI == "" {
		return fmt.Errorf("could not determine object URI from Delete activity")
	}

	if objectURI == del.Actor {
		// Account deletion, remove the actor and everything tied to it
		if err := in.DB.DeleteFollowsByActorURI(del.Actor); err != nil {
			return fmt.Errorf("failed to delete follows: %w", err)
		}
		if err := in.DB.DeleteEventsByAttributedTo(del.Actor); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		if err := in.DB.DeleteRemoteAccountByActorURI(del.Actor); err != nil {
			return fmt.Errorf("failed to delete remote account: %w", err)
		}
		logging.Info().Str("actor", del.Actor).Msg("removed deleted remote actor")
		return nil
	}

	err, existing := in.DB.ReadEventByObjectURI(objectURI)
	if err != nil || existing == nil {
		return nil
	}
	if existing.AttributedTo != del.Actor {
		logging.Warn().Str("object", objectURI).Str("actor", del.Actor).Msg("rejecting delete from non-author")
		return nil
	}
	if err := in.DB.DeleteEventByObjectURI(objectURI); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	logging.Info().Str("object", objectURI).Msg("deleted remote event")
	return nil
}

func (in *Inbox) handleLike(body []byte, remoteActor *domain.RemoteAccount) error {
	var like struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &like); err != nil {
		return fmt.Errorf("failed to parse Like activity: %w", err)
	}

	err, event := in.DB.ReadEventByObjectURI(like.Object)
	if err != nil || event == nil || event.AccountId == uuid.Nil {
		return nil
	}
	if in.Notifications != nil {
		in.Notifications.Notify(event.AccountId, "like", remoteActor.Username+" liked "+event.Title)
	}
	return nil
}

func parseRemoteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

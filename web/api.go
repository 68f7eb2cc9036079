package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const eventListLimit = 50

// handleListEvents returns the events the requester may see, newest first.
// Anonymous requests see public events only.
func (s *Server) handleListEvents(c *gin.Context) {
	account := s.authedAccount(c)

	var viewerId *uuid.UUID
	var followedActorURIs []string
	includeUnlisted := false
	if account != nil {
		id := account.Id
		viewerId = &id
		includeUnlisted = true
		if err, uris := s.DB.ReadFollowedActorURIs(account.Id); err == nil {
			followedActorURIs = uris
		}
	}

	err, events := s.DB.ReadEventsForViewer(s.Conf.Conf.SslDomain, viewerId, followedActorURIs, includeUnlisted, eventListLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type createEventRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartsAt    string `json:"startsAt"`
	Visibility  string `json:"visibility"`
	Federated   *bool  `json:"federated"`
}

// handleCreateEvent stores a new local event, pushes it to connected clients
// and fans it out to remote followers.
func (s *Server) handleCreateEvent(c *gin.Context) {
	account := s.authedAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
		return
	}

	startsAt := time.Time{}
	if req.StartsAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.StartsAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "startsAt must be RFC3339"})
			return
		}
		startsAt = parsed
	}

	federated := true
	if req.Federated != nil {
		federated = *req.Federated
	}

	eventId := uuid.New()
	event := &domain.Event{
		Id:          eventId,
		AccountId:   account.Id,
		CreatedBy:   account.Username,
		Title:       util.NormalizeInput(req.Title),
		Description: req.Description,
		Location:    req.Location,
		StartsAt:    startsAt,
		CreatedAt:   time.Now(),
		Visibility:  domain.ParseVisibility(req.Visibility),
		ObjectURI:   fmt.Sprintf("https://%s/events/%s", s.Conf.Conf.SslDomain, eventId.String()),
		Federated:   federated,
	}

	if err := s.DB.CreateEvent(event); err != nil {
		logging.Error().Err(err).Msg("failed to store event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store event"})
		return
	}

	if s.Hub != nil {
		target := domain.BroadcastTarget(event.Visibility, account.Id)
		s.Hub.Broadcast("event.created", event, target)
	}

	if err := s.Outbox.SendCreateEvent(event, account); err != nil {
		logging.Warn().Err(err).Msg("failed to federate event")
	}

	c.JSON(http.StatusCreated, gin.H{"event": event})
}

type followRequest struct {
	Handle string `json:"handle" binding:"required"`
}

// handleFollow resolves a remote handle and sends a Follow activity.
func (s *Server) handleFollow(c *gin.Context) {
	account := s.authedAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid follow payload"})
		return
	}

	actorURI := s.Resolver.ResolveAcct(c.Request.Context(), req.Handle)
	if actorURI == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Could not resolve handle"})
		return
	}

	remoteActor, err := s.Resolver.GetOrFetchActor(c.Request.Context(), actorURI)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not fetch remote actor"})
		return
	}

	if err := s.Outbox.SendFollow(c.Request.Context(), account, remoteActor); err != nil {
		logging.Warn().Str("actor", actorURI).Err(err).Msg("failed to send follow")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not deliver follow"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"actor": remoteActor.ActorURI, "accepted": false})
}

type unfollowRequest struct {
	ActorURI  string `json:"actorUri"`
	FollowURI string `json:"followUri" binding:"required"`
}

// handleUnfollow retracts an earlier follow.
func (s *Server) handleUnfollow(c *gin.Context) {
	account := s.authedAccount(c)
	if account == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req unfollowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid unfollow payload"})
		return
	}

	err, follow := s.DB.ReadFollowByURI(req.FollowURI)
	if err != nil || follow == nil || follow.AccountId != account.Id {
		c.JSON(http.StatusNotFound, gin.H{"error": "Follow not found"})
		return
	}

	err, remoteActor := s.DB.ReadRemoteAccountByActorURI(follow.TargetActorURI)
	if err != nil || remoteActor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Remote actor not found"})
		return
	}

	if err := s.Outbox.SendUndoFollow(c.Request.Context(), account, remoteActor, follow.URI); err != nil {
		logging.Warn().Str("actor", remoteActor.ActorURI).Err(err).Msg("failed to send undo")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not deliver undo"})
		return
	}

	c.Status(http.StatusNoContent)
}

// handleResolve looks a handle up via webfinger and returns the cached actor
// profile, fetching it if needed. Also reports the remote follower count for
// display.
func (s *Server) handleResolve(c *gin.Context) {
	handle := c.Query("handle")
	if handle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "handle query parameter required"})
		return
	}

	actorURI := s.Resolver.ResolveAcct(c.Request.Context(), handle)
	if actorURI == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Could not resolve handle"})
		return
	}

	remoteActor, err := s.Resolver.GetOrFetchActor(c.Request.Context(), actorURI)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not fetch remote actor"})
		return
	}

	resp := gin.H{"actor": remoteActor}
	if count, ok := s.Resolver.FetchRemoteFollowerCount(c.Request.Context(), actorURI); ok {
		resp["followerCount"] = count
	}
	c.JSON(http.StatusOK, resp)
}

package web

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fedivent/fedivent/activitypub"
	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/mention"
	"github.com/fedivent/fedivent/realtime"
	"github.com/fedivent/fedivent/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Server wires the HTTP surface to the federation components.
type Server struct {
	Conf     *util.AppConfig
	DB       *db.DB
	Inbox    *activitypub.Inbox
	Outbox   *activitypub.Outbox
	Resolver *activitypub.Resolver
	Mentions *mention.Resolver
	Hub      *realtime.Hub
	Gate     *domain.VisibilityGate
}

// Router builds the gin engine with all routes registered. Split from Run so
// tests can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limits for federation endpoints
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	// RSS feeds
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := GetRSS(s.Conf, c.Query("username"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		feedId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
			return
		}
		rssItem, err := GetRSSItem(s.Conf, feedId)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rssItem})
		}
	})

	// ActivityPub surface
	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(c.Param("actor"), s.Conf)
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.GET("/events/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		eventId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid event ID"})
			return
		}
		err, obj := GetEventObject(eventId, s.viewerId(c), s.Gate, s.Conf)
		if err != nil {
			c.JSON(404, gin.H{"error": "Event not found"})
		} else {
			c.Render(200, render.String{Format: obj})
		}
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.Inbox.HandleInbox(c.Writer, c.Request, c.Param("actor"))
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleSharedInbox(c)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, collection := GetOutboxCollection(c.Param("actor"), s.Conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: collection})
		}
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, collection := GetFollowersCollection(c.Param("actor"), s.Conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: collection})
		}
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, collection := GetFollowingCollection(c.Param("actor"), s.Conf)
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
		} else {
			c.Render(200, render.String{Format: collection})
		}
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", s.Conf.Conf.SslDomain))
		err, resp := GetWebfinger(resource, s.Conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// Local JSON API, authenticated by the fronting proxy
	api := g.Group("/api")
	{
		api.GET("/events", s.handleListEvents)
		api.POST("/events", maxBodySize, s.handleCreateEvent)
		api.POST("/follow", s.handleFollow)
		api.POST("/unfollow", s.handleUnfollow)
		api.GET("/resolve", s.handleResolve)
	}

	g.GET("/ws", func(c *gin.Context) {
		account := s.authedAccount(c)
		if account == nil {
			c.JSON(401, gin.H{"error": "Authentication required"})
			return
		}
		s.Hub.Serve(c.Writer, c.Request, account.Id)
	})

	return g
}

// Run starts serving on the configured port. Blocks.
func (s *Server) Run() error {
	logging.Info().Str("host", s.Conf.Conf.Host).Int("port", s.Conf.Conf.HttpPort).Msg("starting http server")
	return s.Router().Run(fmt.Sprintf(":%d", s.Conf.Conf.HttpPort))
}

// handleSharedInbox routes a shared-inbox delivery to a local account and
// reuses the per-user inbox pipeline.
func (s *Server) handleSharedInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(400)
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		c.Status(400)
		return
	}

	targetUsername := s.sharedInboxTarget(activity)
	if targetUsername == "" {
		logging.Debug().Interface("type", activity["type"]).Msg("shared inbox: no local target, acknowledging")
		c.Status(202)
		return
	}

	req := c.Request.Clone(c.Request.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	s.Inbox.HandleInbox(c.Writer, req, targetUsername)
}

// sharedInboxTarget finds the local account an activity is addressed to: an
// explicit local URI in to/cc or object, otherwise a local follower of the
// sending actor.
func (s *Server) sharedInboxTarget(activity map[string]interface{}) string {
	collect := func(key string) []string {
		var out []string
		switch v := activity[key].(type) {
		case string:
			out = append(out, v)
		case []interface{}:
			for _, item := range v {
				if str, ok := item.(string); ok {
					out = append(out, str)
				}
			}
		}
		return out
	}

	for _, key := range []string{"to", "cc", "object"} {
		for _, uri := range collect(key) {
			if username := s.localUsernameFromURI(uri); username != "" {
				return username
			}
		}
	}

	// Create/Update/Delete from a followed actor carry no local address;
	// route to any local follower.
	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}
	err, followerIds := s.DB.ReadLocalFollowerIds(actorURI)
	if err != nil || len(followerIds) == 0 {
		return ""
	}
	err, account := s.DB.ReadAccById(followerIds[0])
	if err != nil || account == nil {
		return ""
	}
	return account.Username
}

// localUsernameFromURI extracts the username from a local actor URI like
// "https://domain/users/alice" or "https://domain/users/alice/followers".
func (s *Server) localUsernameFromURI(uri string) string {
	if !strings.Contains(uri, s.Conf.Conf.SslDomain) || !strings.Contains(uri, "/users/") {
		return ""
	}
	parts := strings.Split(uri, "/")
	for i, part := range parts {
		if part == "users" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// authedAccount resolves the account set by the fronting proxy's
// X-Fedivent-User header. Requests without it are anonymous. Accounts are
// provisioned on first sight, with a fresh federation keypair.
func (s *Server) authedAccount(c *gin.Context) *domain.Account {
	username := c.GetHeader("X-Fedivent-User")
	if username == "" {
		return nil
	}
	err, account := s.DB.ReadAccByUsername(username)
	if err == sql.ErrNoRows {
		err, account = s.DB.CreateAccount(username, util.GeneratePemKeypair())
		if err != nil {
			logging.Error().Str("username", username).Err(err).Msg("failed to provision account")
			return nil
		}
		logging.Info().Str("username", username).Msg("provisioned new account")
		return account
	}
	if err != nil {
		return nil
	}
	return account
}

func (s *Server) viewerId(c *gin.Context) *uuid.UUID {
	if account := s.authedAccount(c); account != nil {
		id := account.Id
		return &id
	}
	return nil
}

package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/fetch"
	"github.com/fedivent/fedivent/logging"
	"github.com/google/uuid"
)

const activityJSON = "application/activity+json"

// actorCacheMaxAge is how long a cached remote actor document is considered
// fresh before GetOrFetchActor re-fetches it.
const actorCacheMaxAge = 24 * time.Hour

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	Image struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"image"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// webfingerResponse is the discovery document shape we consume.
type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolver looks up remote identities and maintains the local cache of
// remote actors. All lookups go through the safe fetcher.
type Resolver struct {
	Fetcher  *fetch.Fetcher
	Database *db.DB
}

func NewResolver(fetcher *fetch.Fetcher, database *db.DB) *Resolver {
	return &Resolver{Fetcher: fetcher, Database: database}
}

// ResolveAcct resolves an "acct:user@domain" (or bare "user@domain")
// resource to an actor URL via webfinger. Discovery is best-effort against
// untrusted servers: any failure yields "".
func (r *Resolver) ResolveAcct(ctx context.Context, resource string) string {
	acct := strings.TrimPrefix(resource, "acct:")
	acct = strings.TrimPrefix(acct, "@")

	parts := strings.Split(acct, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		logging.Debug().Str("resource", resource).Msg("webfinger: malformed acct resource")
		return ""
	}
	domainName := parts[1]

	// Plain http is only for *.local development instances
	scheme := "https"
	if strings.HasSuffix(domainName, ".local") {
		scheme = "http"
	}

	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		scheme, domainName, url.QueryEscape("acct:"+acct))

	header := http.Header{}
	header.Set("Accept", "application/json")

	resp, err := r.Fetcher.Do(ctx, wfURL, fetch.Options{Header: header})
	if err != nil {
		logging.Debug().Str("url", wfURL).Err(err).Msg("webfinger: fetch failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Debug().Str("url", wfURL).Int("status", resp.StatusCode).Msg("webfinger: non-2xx response")
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}

	var wf webfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		logging.Debug().Str("url", wfURL).Err(err).Msg("webfinger: invalid JSON")
		return ""
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, activityJSON) {
			return link.Href
		}
	}

	logging.Debug().Str("resource", resource).Msg("webfinger: no self link")
	return ""
}

// FetchActor fetches and parses an actor document. Returns nil on any
// failure; the cause is logged, not propagated.
func (r *Resolver) FetchActor(ctx context.Context, actorURI string) *ActorResponse {
	header := http.Header{}
	header.Set("Accept", activityJSON)

	resp, err := r.Fetcher.Do(ctx, actorURI, fetch.Options{Header: header})
	if err != nil {
		logging.Debug().Str("actor", actorURI).Err(err).Msg("actor fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Debug().Str("actor", actorURI).Int("status", resp.StatusCode).Msg("actor fetch: non-200 response")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		logging.Debug().Str("actor", actorURI).Err(err).Msg("actor fetch: invalid JSON")
		return nil
	}

	// Validate required fields
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		logging.Debug().Str("actor", actorURI).Msg("actor document missing required fields")
		return nil
	}

	return &actor
}

// CacheRemoteUser upserts a remote actor document into the local cache.
// Mutable profile fields are refreshed on every call; username, domain and
// actor URI stick from the first insert.
func (r *Resolver) CacheRemoteUser(actor *ActorResponse) (*domain.RemoteAccount, error) {
	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	username := actor.PreferredUsername
	if username == "" {
		username = extractUsername(actor.ID)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       fmt.Sprintf("%s@%s", username, domainName),
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		HeaderURL:      actor.Image.URL,
		LastFetchedAt:  time.Now(),
	}

	if err := r.Database.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	// Re-read so the caller sees the persisted row, not the candidate
	// (immutable fields keep their original values on conflict).
	err, stored := r.Database.ReadRemoteAccountByActorURI(actor.ID)
	if err != nil {
		return remoteAcc, nil
	}
	return stored, nil
}

// GetOrFetchActor returns an actor from cache, re-fetching when the cached
// copy is stale or absent.
func (r *Resolver) GetOrFetchActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	err, cached := r.Database.ReadRemoteAccountByActorURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < actorCacheMaxAge {
			return cached, nil
		}
	}

	actor := r.FetchActor(ctx, actorURI)
	if actor == nil {
		// A stale cached copy beats nothing when the remote is down
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch actor %s", actorURI)
	}

	return r.CacheRemoteUser(actor)
}

// FetchRemoteFollowerCount reads totalItems from an actor's followers
// collection. Display only, never used for authorization. Returns false on
// any failure.
func (r *Resolver) FetchRemoteFollowerCount(ctx context.Context, actorURI string) (int64, bool) {
	header := http.Header{}
	header.Set("Accept", activityJSON)

	resp, err := r.Fetcher.Do(ctx, strings.TrimSuffix(actorURI, "/")+"/followers", fetch.Options{Header: header})
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, false
	}

	var collection struct {
		TotalItems json.Number `json:"totalItems"`
	}
	if err := json.Unmarshal(body, &collection); err != nil {
		return 0, false
	}

	count, err := collection.TotalItems.Int64()
	if err != nil {
		return 0, false
	}
	return count, true
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}

	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		// Remove @ prefix if present
		return strings.TrimPrefix(username, "@")
	}
	return ""
}

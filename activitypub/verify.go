package activitypub

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fedivent/fedivent/logging"
)

// MaxDateSkew is the tolerated clock difference between instances. Requests
// dated outside this window are rejected to limit replay.
const MaxDateSkew = 5 * time.Minute

// Verifier authenticates inbound federation requests. Verification fails
// closed: any ambiguity yields ok=false.
type Verifier struct {
	Resolver *Resolver
	Keys     *KeyCache
}

func NewVerifier(resolver *Resolver, keys *KeyCache) *Verifier {
	return &Verifier{Resolver: resolver, Keys: keys}
}

// VerifyRequest checks the HTTP signature of an inbound request and returns
// the actor URI the signing key belongs to. The body must already be
// buffered by the caller so the Digest header can be checked downstream.
//
// A verification failure against a cached key triggers one re-fetch of the
// key before giving up, so that key rotation on the remote side does not
// drop deliveries for a full cache TTL.
func (v *Verifier) VerifyRequest(r *http.Request) (string, bool) {
	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		logging.Debug().Str("path", r.URL.Path).Msg("inbound request without signature")
		return "", false
	}

	params, err := parseSignatureHeader(sigHeader)
	if err != nil {
		logging.Debug().Err(err).Msg("malformed signature header")
		return "", false
	}

	// hs2019 is accepted for newer implementations that hide the concrete
	// algorithm behind the generic label; the signature still has to verify
	// as RSA-SHA256. A missing algorithm parameter fails closed.
	alg := params["algorithm"]
	if alg != "rsa-sha256" && alg != "hs2019" {
		logging.Debug().Str("algorithm", alg).Msg("unsupported signature algorithm")
		return "", false
	}

	if !dateWithinSkew(r.Header.Get("Date")) {
		v.logFailure(r, params["keyid"], "date header missing or outside allowed skew")
		return "", false
	}

	keyId := params["keyid"]
	actorURI := ActorURIFromKeyId(keyId)

	for attempt := 0; attempt < 2; attempt++ {
		pem, cached := v.Keys.Get(keyId)
		if !cached {
			pem = v.fetchKey(r.Context(), actorURI)
			if pem == "" {
				v.logFailure(r, keyId, "could not obtain public key")
				return "", false
			}
			v.Keys.Set(keyId, pem)
			cached = false
		}

		if _, err := VerifySignedRequest(r, pem); err == nil {
			return actorURI, true
		}

		// The cached key may predate a rotation on the remote end, so
		// drop it and try once with a fresh copy. A fresh key that
		// fails is final.
		if !cached {
			break
		}
		v.Keys.Invalidate(keyId)
	}

	v.logFailure(r, keyId, "signature verification failed")
	return "", false
}

func (v *Verifier) fetchKey(ctx context.Context, actorURI string) string {
	actor := v.Resolver.FetchActor(ctx, actorURI)
	if actor == nil {
		return ""
	}
	// Refresh the cached profile while we have the document
	if v.Resolver.Database != nil {
		if _, err := v.Resolver.CacheRemoteUser(actor); err != nil {
			logging.Warn().Str("actor", actorURI).Err(err).Msg("failed to cache remote actor")
		}
	}
	return actor.PublicKey.PublicKeyPem
}

func (v *Verifier) logFailure(r *http.Request, keyId, reason string) {
	logging.Warn().
		Str("keyId", keyId).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("headers", headerNames(r.Header)).
		Msg("signature verification rejected: " + reason)
}

func headerNames(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// dateWithinSkew requires a parseable Date header within MaxDateSkew of now.
func dateWithinSkew(dateHeader string) bool {
	if dateHeader == "" {
		return false
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return false
	}
	diff := time.Since(sent)
	if diff < 0 {
		diff = -diff
	}
	return diff <= MaxDateSkew
}

// Package mention extracts @-handles from event text and resolves them to
// known local or remote accounts.
package mention

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
)

// mentionRe matches "@user" and "@user@domain". The leading group restricts
// matches to handles at the start of the text or after whitespace or an
// opening bracket, so email addresses ("alice@example.com") never match.
var mentionRe = regexp.MustCompile(`(^|[\s({\[>])@([a-zA-Z0-9_]+)(?:@([a-zA-Z0-9][a-zA-Z0-9.\-]*))?`)

// Handle is a parsed mention. Domain is empty for bare "@user" handles.
type Handle struct {
	Username string
	Domain   string
}

func (h Handle) String() string {
	if h.Domain == "" {
		return h.Username
	}
	return h.Username + "@" + h.Domain
}

// Extract returns the unique handles mentioned in text, in order of first
// occurrence. Comparison is case-insensitive; the first spelling wins.
func Extract(text string) []Handle {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}

	seen := map[string]bool{}
	var handles []Handle
	for _, m := range matches {
		h := Handle{Username: m[2], Domain: m[3]}
		key := strings.ToLower(h.String())
		if seen[key] {
			continue
		}
		seen[key] = true
		handles = append(handles, h)
	}
	return handles
}

// Target is a resolved mention.
type Target struct {
	Handle   Handle
	Text     string // the mention as written, with the @ prefix
	ActorURI string
	// Exactly one of the following is set.
	Local  *domain.Account
	Remote *domain.RemoteAccount
}

// Resolver maps extracted handles to accounts. Bare handles and handles on
// the instance's own domain resolve locally; everything else resolves against
// the cached remote actors. Unknown handles are dropped silently, an
// unresolvable mention is plain text.
type Resolver struct {
	DB          *db.DB
	LocalDomain string
}

func NewResolver(database *db.DB, localDomain string) *Resolver {
	return &Resolver{DB: database, LocalDomain: localDomain}
}

// Resolve extracts and resolves all mentions in text in two batch lookups.
func (r *Resolver) Resolve(text string) []Target {
	handles := Extract(text)
	if len(handles) == 0 {
		return nil
	}

	var localNames, remoteNames []string
	for _, h := range handles {
		if r.isLocal(h) {
			localNames = append(localNames, strings.ToLower(h.Username))
		} else {
			remoteNames = append(remoteNames, strings.ToLower(h.Username+"@"+h.Domain))
		}
	}

	localByName := map[string]*domain.Account{}
	if len(localNames) > 0 {
		err, accounts := r.DB.ReadAccountsByUsernames(localNames)
		if err != nil {
			logging.Warn().Err(err).Msg("local mention lookup failed")
		} else {
			for i := range *accounts {
				acc := &(*accounts)[i]
				localByName[strings.ToLower(acc.Username)] = acc
			}
		}
	}

	remoteByName := map[string]*domain.RemoteAccount{}
	if len(remoteNames) > 0 {
		err, accounts := r.DB.ReadRemoteAccountsByUsernames(remoteNames)
		if err != nil {
			logging.Warn().Err(err).Msg("remote mention lookup failed")
		} else {
			for i := range *accounts {
				acc := &(*accounts)[i]
				remoteByName[strings.ToLower(acc.Username)] = acc
			}
		}
	}

	var targets []Target
	for _, h := range handles {
		if r.isLocal(h) {
			acc, ok := localByName[strings.ToLower(h.Username)]
			if !ok {
				continue
			}
			targets = append(targets, Target{
				Handle:   h,
				Text:     "@" + h.String(),
				ActorURI: fmt.Sprintf("https://%s/users/%s", r.LocalDomain, acc.Username),
				Local:    acc,
			})
			continue
		}

		acc, ok := remoteByName[strings.ToLower(h.Username+"@"+h.Domain)]
		if !ok {
			continue
		}
		targets = append(targets, Target{
			Handle:   h,
			Text:     "@" + h.String(),
			ActorURI: acc.ActorURI,
			Remote:   acc,
		})
	}
	return targets
}

func (r *Resolver) isLocal(h Handle) bool {
	return h.Domain == "" || strings.EqualFold(h.Domain, r.LocalDomain)
}

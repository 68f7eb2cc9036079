package db

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// VisibilityWhere builds a SQL filter equivalent to
// domain.VisibilityGate.CanView, for bulk listing queries over the events
// join (events LEFT JOIN accounts). followedActorURIs are the actor URIs
// the viewer follows with an accepted relation.
//
// Rules, matching the predicate:
//   - public rows always pass, unlisted rows pass when includeUnlisted
//   - a set viewer always sees their own rows
//   - followers rows pass when the owner's actor URI (explicit attribution,
//     else constructed from the local username) is in the followed set
func VisibilityWhere(domainName string, viewerId *uuid.UUID, followedActorURIs []string, includeUnlisted bool) (string, []interface{}) {
	conds := []string{`events.visibility = 'public'`}
	var args []interface{}

	if includeUnlisted {
		conds = append(conds, `events.visibility = 'unlisted'`)
	}

	if viewerId != nil {
		conds = append(conds, `events.account_id = ?`)
		args = append(args, viewerId.String())

		if len(followedActorURIs) > 0 {
			ph := strings.TrimSuffix(strings.Repeat("?,", len(followedActorURIs)), ",")
			conds = append(conds, fmt.Sprintf(
				`(events.visibility = 'followers' AND (NULLIF(events.attributed_to, '') IN (%s) OR ('https://' || ? || '/users/' || accounts.username) IN (%s)))`,
				ph, ph))
			for _, uri := range followedActorURIs {
				args = append(args, uri)
			}
			args = append(args, domainName)
			for _, uri := range followedActorURIs {
				args = append(args, uri)
			}
		}
	}

	return "(" + strings.Join(conds, " OR ") + ")", args
}

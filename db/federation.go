package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/fedivent/fedivent/domain"
	"github.com/google/uuid"
)

// Remote Accounts queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, avatar_url, header_url, last_fetched_at)
							VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
							ON CONFLICT(actor_uri) DO UPDATE SET
								display_name = excluded.display_name,
								summary = excluded.summary,
								inbox_uri = excluded.inbox_uri,
								shared_inbox_uri = excluded.shared_inbox_uri,
								public_key_pem = excluded.public_key_pem,
								avatar_url = excluded.avatar_url,
								header_url = excluded.header_url,
								last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccount      = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, public_key_pem, avatar_url, header_url, last_fetched_at FROM remote_accounts`
	sqlSelectRemoteAccountByURI = sqlSelectRemoteAccount + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = sqlSelectRemoteAccount + ` WHERE id = ?`
)

// UpsertRemoteAccount inserts or refreshes a cached remote actor. The row is
// unique by actor URI; immutable fields (id, username, domain, actor_uri)
// only take effect on first insert.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.HeaderURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByActorURI(uri string) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	return scanRemoteAccount(row)
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := db.db.QueryRow(sqlSelectRemoteAccountById, id.String())
	return scanRemoteAccount(row)
}

func scanRemoteAccount(row *sql.Row) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.HeaderURL,
		&acc.LastFetchedAt,
	)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

// ReadRemoteAccountsByUsernames resolves cached remote actors by
// case-insensitive user@domain match, for mention resolution.
func (db *DB) ReadRemoteAccountsByUsernames(usernames []string) (error, *[]domain.RemoteAccount) {
	if len(usernames) == 0 {
		var empty []domain.RemoteAccount
		return nil, &empty
	}

	placeholders := strings.Repeat("LOWER(?),", len(usernames))
	placeholders = placeholders[:len(placeholders)-1]
	query := sqlSelectRemoteAccount + ` WHERE LOWER(username) IN (` + placeholders + `)`

	args := make([]interface{}, len(usernames))
	for i, u := range usernames {
		args[i] = u
	}

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accounts []domain.RemoteAccount
	for rows.Next() {
		var acc domain.RemoteAccount
		var idStr string
		if err := rows.Scan(&idStr, &acc.Username, &acc.Domain, &acc.ActorURI, &acc.DisplayName, &acc.Summary, &acc.InboxURI, &acc.SharedInboxURI, &acc.PublicKeyPem, &acc.AvatarURL, &acc.HeaderURL, &acc.LastFetchedAt); err != nil {
			return err, &accounts
		}
		acc.Id, _ = uuid.Parse(idStr)
		accounts = append(accounts, acc)
	}
	if err = rows.Err(); err != nil {
		return err, &accounts
	}
	return nil, &accounts
}

// DeleteRemoteAccountByActorURI drops a cached actor, for inbound account
// deletion.
func (db *DB) DeleteRemoteAccountByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM remote_accounts WHERE actor_uri = ?`, actorURI)
		return err
	})
}

// Follow queries
const (
	sqlInsertFollow            = `INSERT INTO follows(id, account_id, follower_actor_uri, target_actor_uri, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollow            = `SELECT id, account_id, follower_actor_uri, target_actor_uri, uri, accepted, created_at FROM follows`
	sqlSelectFollowByURI       = sqlSelectFollow + ` WHERE uri = ?`
	sqlDeleteFollowByURI       = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI       = `UPDATE follows SET accepted = 1 WHERE uri = ?`
	sqlSelectAcceptedFollow    = `SELECT COUNT(1) FROM follows WHERE account_id = ? AND target_actor_uri = ? AND accepted = 1`
	sqlSelectRemoteFollowers   = sqlSelectFollow + ` WHERE target_actor_uri = ? AND follower_actor_uri != '' AND accepted = 1`
	sqlSelectFollowedActorURIs = `SELECT target_actor_uri FROM follows WHERE account_id = ? AND accepted = 1`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		accountId := ""
		if follow.AccountId != uuid.Nil {
			accountId = follow.AccountId.String()
		}
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			accountId,
			follow.FollowerActorURI,
			follow.TargetActorURI,
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowByURI, uri)
	var follow domain.Follow
	var idStr, accountIdStr string
	err := row.Scan(&idStr, &accountIdStr, &follow.FollowerActorURI, &follow.TargetActorURI, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	if accountIdStr != "" {
		follow.AccountId, _ = uuid.Parse(accountIdStr)
	}
	return nil, &follow
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

// DeleteFollowsByActorURI removes every follow relation involving the given
// remote actor, in either direction.
func (db *DB) DeleteFollowsByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM follows WHERE follower_actor_uri = ? OR target_actor_uri = ?`, actorURI, actorURI)
		return err
	})
}

// HasAcceptedFollow reports whether the local viewer has an accepted follow
// on the given actor. Implements domain.FollowSource.
func (db *DB) HasAcceptedFollow(viewerId uuid.UUID, actorURI string) bool {
	var count int
	err := db.db.QueryRow(sqlSelectAcceptedFollow, viewerId.String(), actorURI).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// ReadRemoteFollowers returns accepted follows from remote actors on the
// given local actor URI, for outbound delivery fan-out.
func (db *DB) ReadRemoteFollowers(targetActorURI string) (error, *[]domain.Follow) {
	rows, err := db.db.Query(sqlSelectRemoteFollowers, targetActorURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &follow.FollowerActorURI, &follow.TargetActorURI, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return err, &followers
		}
		follow.Id, _ = uuid.Parse(idStr)
		if accountIdStr != "" {
			follow.AccountId, _ = uuid.Parse(accountIdStr)
		}
		followers = append(followers, follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// ReadLocalFollowerIds returns the ids of local accounts with an accepted
// follow on the given remote actor, for shared-inbox routing.
func (db *DB) ReadLocalFollowerIds(targetActorURI string) (error, []uuid.UUID) {
	rows, err := db.db.Query(`SELECT account_id FROM follows WHERE target_actor_uri = ? AND account_id != '' AND accepted = 1`, targetActorURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return err, ids
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return err, ids
	}
	return nil, ids
}

// ReadFollowedActorURIs returns the actor URIs a local account follows with
// an accepted relation, for bulk visibility filtering.
func (db *DB) ReadFollowedActorURIs(accountId uuid.UUID) (error, []string) {
	rows, err := db.db.Query(sqlSelectFollowedActorURIs, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return err, uris
		}
		uris = append(uris, uri)
	}
	if err = rows.Err(); err != nil {
		return err, uris
	}
	return nil, uris
}

// Processed activities (inbound dedup) queries
const (
	sqlInsertProcessedActivity  = `INSERT OR IGNORE INTO processed_activities(activity_uri, first_seen_at, expires_at) VALUES (?, ?, ?)`
	sqlSelectProcessedActivity  = `SELECT COUNT(1) FROM processed_activities WHERE activity_uri = ?`
	sqlDeleteExpiredActivities  = `DELETE FROM processed_activities WHERE expires_at <= ?`
)

// ProcessedActivityTTL is how long a handled activity ID is remembered.
const ProcessedActivityTTL = 30 * 24 * time.Hour

// IsActivityProcessed reports whether the activity ID was already handled.
func (db *DB) IsActivityProcessed(activityURI string) (bool, error) {
	var count int
	err := db.db.QueryRow(sqlSelectProcessedActivity, activityURI).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkActivityProcessed records the activity ID with a 30-day expiry. The
// insert is idempotent: racing deliveries of the same ID collapse onto one
// row, so a duplicate marks cleanly instead of erroring.
func (db *DB) MarkActivityProcessed(activityURI string) error {
	now := time.Now()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertProcessedActivity, activityURI, now, now.Add(ProcessedActivityTTL))
		return err
	})
}

// CleanupProcessedActivities deletes records past their expiry and returns
// how many were removed.
func (db *DB) CleanupProcessedActivities() (int64, error) {
	var removed int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteExpiredActivities, time.Now())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

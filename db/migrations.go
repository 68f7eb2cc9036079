package db

import (
	"database/sql"

	"github.com/fedivent/fedivent/logging"
)

// SQL for the federation tables
const (
	// Follow relationships table. account_id is set for local followers,
	// follower_actor_uri for remote ones.
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		follower_actor_uri TEXT NOT NULL DEFAULT '',
		target_actor_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_actor_uri ON follows(target_actor_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Remote actors cache table
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		header_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_username ON remote_accounts(username);
	`

	// Inbound activity dedup table. The primary key makes the
	// check-then-record race collapse onto a single row.
	sqlCreateProcessedActivitiesTable = `CREATE TABLE IF NOT EXISTS processed_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		first_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMP NOT NULL
	)`

	sqlCreateProcessedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_processed_activities_expires_at ON processed_activities(expires_at);
	`

	// Outbound delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	sqlCreateEventsIndices = `
		CREATE INDEX IF NOT EXISTS idx_events_account_id ON events(account_id);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_visibility ON events(visibility);
		CREATE INDEX IF NOT EXISTS idx_events_object_uri ON events(object_uri);
	`
)

// RunMigrations executes all federation-table migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		// Create new tables
		if err := db.createTableIfNotExists(tx, sqlCreateFollowsTable, "follows"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateRemoteAccountsTable, "remote_accounts"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateProcessedActivitiesTable, "processed_activities"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateDeliveryQueueTable, "delivery_queue"); err != nil {
			return err
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateFollowsIndices); err != nil {
			logging.Warn().Err(err).Msg("failed to create follows indices")
		}
		if _, err := tx.Exec(sqlCreateRemoteAccountsIndices); err != nil {
			logging.Warn().Err(err).Msg("failed to create remote_accounts indices")
		}
		if _, err := tx.Exec(sqlCreateProcessedActivitiesIndices); err != nil {
			logging.Warn().Err(err).Msg("failed to create processed_activities indices")
		}
		if _, err := tx.Exec(sqlCreateDeliveryQueueIndices); err != nil {
			logging.Warn().Err(err).Msg("failed to create delivery_queue indices")
		}
		if _, err := tx.Exec(sqlCreateEventsIndices); err != nil {
			logging.Warn().Err(err).Msg("failed to create events indices")
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		logging.Error().Str("table", tableName).Err(err).Msg("error creating table")
		return err
	}
	logging.Debug().Str("table", tableName).Msg("table created or already exists")
	return nil
}

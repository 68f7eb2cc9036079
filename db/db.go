package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
	"github.com/fedivent/fedivent/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name varchar(255),
                        summary text,
                        avatar_url text,
                        created_at timestamp default current_timestamp,
                        web_public_key text,
                        web_private_key text
                        )`
	sqlInsertAccount          = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountById      = `SELECT id, username, display_name, summary, avatar_url, created_at, web_public_key, web_private_key FROM accounts WHERE id = ?`
	sqlSelectAccountByName    = `SELECT id, username, display_name, summary, avatar_url, created_at, web_public_key, web_private_key FROM accounts WHERE username = ?`

	//Events
	sqlCreateEventsTable = `CREATE TABLE IF NOT EXISTS events(
                        id uuid NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        title varchar(300) NOT NULL,
                        description varchar(5000),
                        location varchar(500),
                        starts_at timestamp,
                        created_at timestamp default current_timestamp,
                        visibility varchar(20) default 'public',
                        object_uri text,
                        attributed_to text,
                        federated int default 1
                        )`
	// Remote events carry no local account row, hence the LEFT JOIN.
	sqlInsertEvent     = `INSERT INTO events(id, account_id, title, description, location, starts_at, visibility, object_uri, attributed_to, federated, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectEventById = `SELECT events.id, events.account_id, COALESCE(accounts.username, ''), events.title, events.description, events.location, events.starts_at, events.created_at, events.visibility, events.object_uri, events.attributed_to, events.federated FROM events
    														LEFT JOIN accounts ON accounts.id = events.account_id
                                                            WHERE events.id = ?`
	sqlSelectEventsBase = `SELECT events.id, events.account_id, COALESCE(accounts.username, ''), events.title, events.description, events.location, events.starts_at, events.created_at, events.visibility, events.object_uri, events.attributed_to, events.federated FROM events
    														LEFT JOIN accounts ON accounts.id = events.account_id`
)

func (db *DB) CreateAccount(username string, webKeyPair *util.RsaKeyPair) (error, *domain.Account) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now(),
		WebPublicKey:  webKeyPair.Public,
		WebPrivateKey: webKeyPair.Private,
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccByUsername(username string) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountByName, username)
	return scanAccount(row)
}

func (db *DB) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	row := db.db.QueryRow(sqlSelectAccountById, id.String())
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.AvatarURL, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

// ReadAccountsByUsernames resolves local accounts by case-insensitive
// username match, for mention resolution.
func (db *DB) ReadAccountsByUsernames(usernames []string) (error, *[]domain.Account) {
	if len(usernames) == 0 {
		var empty []domain.Account
		return nil, &empty
	}

	placeholders := strings.Repeat("LOWER(?),", len(usernames))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT id, username, display_name, summary, avatar_url, created_at, web_public_key, web_private_key FROM accounts WHERE LOWER(username) IN (` + placeholders + `)`

	args := make([]interface{}, len(usernames))
	for i, u := range usernames {
		args[i] = u
	}

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var acc domain.Account
		var idStr string
		if err := rows.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.AvatarURL, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey); err != nil {
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

func (db *DB) CreateEvent(event *domain.Event) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		accountId := ""
		if event.AccountId != uuid.Nil {
			accountId = event.AccountId.String()
		}
		_, err := tx.Exec(sqlInsertEvent,
			event.Id.String(),
			accountId,
			event.Title,
			event.Description,
			event.Location,
			event.StartsAt,
			string(event.Visibility),
			event.ObjectURI,
			event.AttributedTo,
			event.Federated,
			event.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadEventById(id uuid.UUID) (error, *domain.Event) {
	row := db.db.QueryRow(sqlSelectEventById, id.String())
	var event domain.Event
	var idStr, accountIdStr, visibility string
	err := row.Scan(&idStr, &accountIdStr, &event.CreatedBy, &event.Title, &event.Description, &event.Location, &event.StartsAt, &event.CreatedAt, &visibility, &event.ObjectURI, &event.AttributedTo, &event.Federated)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	event.Id, _ = uuid.Parse(idStr)
	event.AccountId, _ = uuid.Parse(accountIdStr)
	event.Visibility = domain.Visibility(visibility)
	return nil, &event
}

// ReadEventsForViewer lists events the given viewer may see, newest first.
// The filter matches domain.VisibilityGate.CanView row for row.
func (db *DB) ReadEventsForViewer(domainName string, viewerId *uuid.UUID, followedActorURIs []string, includeUnlisted bool, limit int) (error, *[]domain.Event) {
	where, args := VisibilityWhere(domainName, viewerId, followedActorURIs, includeUnlisted)
	query := sqlSelectEventsBase + ` WHERE ` + where + ` ORDER BY events.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var idStr, accountIdStr, visibility string
		if err := rows.Scan(&idStr, &accountIdStr, &event.CreatedBy, &event.Title, &event.Description, &event.Location, &event.StartsAt, &event.CreatedAt, &visibility, &event.ObjectURI, &event.AttributedTo, &event.Federated); err != nil {
			return err, &events
		}
		event.Id, _ = uuid.Parse(idStr)
		event.AccountId, _ = uuid.Parse(accountIdStr)
		event.Visibility = domain.Visibility(visibility)
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return err, &events
	}
	return nil, &events
}

const sqlSelectPublicEventsByAccount = ` WHERE events.account_id = ? AND events.visibility = 'public' ORDER BY events.created_at DESC LIMIT ?`

// ReadPublicEventsByAccount lists one account's public events, newest first.
// Backs the outbox collection, which is readable by anyone.
func (db *DB) ReadPublicEventsByAccount(accountId uuid.UUID, limit int) (error, *[]domain.Event) {
	rows, err := db.db.Query(sqlSelectEventsBase+sqlSelectPublicEventsByAccount, accountId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var idStr, accountIdStr, visibility string
		if err := rows.Scan(&idStr, &accountIdStr, &event.CreatedBy, &event.Title, &event.Description, &event.Location, &event.StartsAt, &event.CreatedAt, &visibility, &event.ObjectURI, &event.AttributedTo, &event.Federated); err != nil {
			return err, &events
		}
		event.Id, _ = uuid.Parse(idStr)
		event.AccountId, _ = uuid.Parse(accountIdStr)
		event.Visibility = domain.Visibility(visibility)
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return err, &events
	}
	return nil, &events
}

const (
	sqlSelectEventByObjectURI  = ` WHERE events.object_uri = ?`
	sqlUpdateEventFromRemote   = `UPDATE events SET title = ?, description = ?, location = ?, starts_at = ? WHERE object_uri = ?`
	sqlDeleteEventByObjectURI  = `DELETE FROM events WHERE object_uri = ?`
	sqlDeleteEventsByAttribURI = `DELETE FROM events WHERE attributed_to = ?`
)

// ReadEventByObjectURI looks an event up by its ActivityPub object URI, for
// inbound Update/Delete handling and Create dedup.
func (db *DB) ReadEventByObjectURI(objectURI string) (error, *domain.Event) {
	row := db.db.QueryRow(sqlSelectEventsBase+sqlSelectEventByObjectURI, objectURI)
	var event domain.Event
	var idStr, accountIdStr, visibility string
	err := row.Scan(&idStr, &accountIdStr, &event.CreatedBy, &event.Title, &event.Description, &event.Location, &event.StartsAt, &event.CreatedAt, &visibility, &event.ObjectURI, &event.AttributedTo, &event.Federated)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	event.Id, _ = uuid.Parse(idStr)
	event.AccountId, _ = uuid.Parse(accountIdStr)
	event.Visibility = domain.Visibility(visibility)
	return nil, &event
}

// UpdateEventFromRemote applies an authorized remote edit to a federated
// event. Visibility and attribution are never changed by edits.
func (db *DB) UpdateEventFromRemote(objectURI, title, description, location string, startsAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateEventFromRemote, title, description, location, startsAt, objectURI)
		return err
	})
}

func (db *DB) DeleteEventByObjectURI(objectURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteEventByObjectURI, objectURI)
		return err
	})
}

// DeleteEventsByAttributedTo removes all events attributed to an actor, used
// when the actor deletes their account.
func (db *DB) DeleteEventsByAttributedTo(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteEventsByAttribURI, actorURI)
		return err
	})
}

func GetDB() *DB {
	dbOnce.Do(func() {
		// Open database connection
		db, err := sql.Open("sqlite", "database.db")
		if err != nil {
			panic(err)
		}

		// Configure connection pool for concurrent access
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)

		// Try to enable WAL2 mode, fall back to WAL if not supported
		var journalMode string
		err = db.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
		if err != nil || journalMode == "delete" {
			// WAL2 not supported, try regular WAL
			err = db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
			if err != nil {
				logging.Warn().Err(err).Msg("failed to enable WAL mode")
			} else {
				logging.Info().Str("mode", journalMode).Msg("database journal mode (WAL2 unsupported)")
			}
		} else {
			logging.Info().Str("mode", journalMode).Msg("database journal mode")
		}

		// Optimize PRAGMAs for the concurrent inbound-delivery workload.
		// These need to be set as connection defaults.
		db.Exec("PRAGMA synchronous = NORMAL")
		db.Exec("PRAGMA cache_size = -64000")
		db.Exec("PRAGMA temp_store = MEMORY")
		db.Exec("PRAGMA busy_timeout = 5000")
		db.Exec("PRAGMA foreign_keys = ON")
		db.Exec("PRAGMA auto_vacuum = INCREMENTAL")

		dbInstance = &DB{db: db}

		// Run initial schema setup
		err2 := dbInstance.CreateDB()
		if err2 != nil {
			panic(err2)
		}
	})

	return dbInstance
}

// Open opens a standalone database at the given path and initializes its
// schema. The application database goes through GetDB; Open exists for
// auxiliary and in-memory databases.
func Open(dsn string) (error, *DB) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err, nil
	}
	if strings.Contains(dsn, ":memory:") {
		// An in-memory database lives only as long as one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	database := &DB{db: sqlDB}
	if err := database.CreateDB(); err != nil {
		return err, nil
	}
	if err := database.RunMigrations(); err != nil {
		return err, nil
	}
	return nil, database
}

// CreateDB creates the database.
func (db *DB) CreateDB() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateAccountsTable); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateEventsTable); err != nil {
			return err
		}
		return nil
	})
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		logging.Error().Err(err).Msg("error starting transaction")
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			logging.Error().Err(err).Msg("error in transaction")
			return err
		}
		err = tx.Commit()
		if err != nil {
			logging.Error().Err(err).Msg("error committing transaction")
			return err
		}
		break
	}
	return nil
}

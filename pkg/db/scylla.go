package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, log zerolog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla %v: %w", hosts, err)
	}

	log.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

// Migrate creates keyspace and the records table when missing. Schema
// changes belong in a migration tool once there is more than one table.
func Migrate(hosts []string, keyspace string, log zerolog.Logger) error {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	defer sys.Close()

	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		keyspace,
	)).Exec()
	if err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}

	err = sys.Query(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.records (
		collection text,
		seq timeuuid,
		id text,
		created_at timestamp,
		text text,
		sender text,
		sent_at timestamp,
		encrypted boolean,
		PRIMARY KEY (collection, seq)
	) WITH CLUSTERING ORDER BY (seq ASC)`, keyspace)).Exec()
	if err != nil {
		return fmt.Errorf("create records table: %w", err)
	}

	log.Info().Str("keyspace", keyspace).Msg("schema ready")
	return nil
}

package db

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/call-dispatcher/internal/config"
)

var scyllaSchema = []string{
	`CREATE TABLE IF NOT EXISTS call_attempts_by_chain (
		root_id text,
		attempt int,
		queue_item_id text,
		campaign_id text,
		user_id text,
		outcome text,
		duration_ms bigint,
		cost double,
		reason text,
		occurred_at timestamp,
		PRIMARY KEY ((root_id), attempt, queue_item_id)
	) WITH CLUSTERING ORDER BY (attempt ASC, queue_item_id ASC)`,
	`CREATE TABLE IF NOT EXISTS call_attempts_by_campaign (
		campaign_id text,
		bucket date,
		occurred_at timestamp,
		queue_item_id text,
		root_id text,
		attempt int,
		outcome text,
		duration_ms bigint,
		cost double,
		PRIMARY KEY ((campaign_id, bucket), occurred_at, queue_item_id)
	) WITH CLUSTERING ORDER BY (occurred_at DESC, queue_item_id ASC)`,
}

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	s := &Scylla{session: session}
	if !cfg.DisableInitSchema {
		if err := s.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}
	return s, nil
}

// EnsureSchema creates the attempt log tables.
func (s *Scylla) EnsureSchema(ctx context.Context) error {
	for _, stmt := range scyllaSchema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla: ensure schema: %w", err)
		}
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}

package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/policy-outreach/internal/config"
)

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

	if !cfg.DisableInitSchema {
		if err := initSchema(session); err != nil {
			session.Close()
			return nil, err
		}
	}

	return &Scylla{session: session}, nil
}

func initSchema(session *gocql.Session) error {
	q := `CREATE TABLE IF NOT EXISTS dial_attempts (
		scheduled_call_id text,
		attempted_at timestamp,
		call_id text,
		phone text,
		success boolean,
		error text,
		provider_status text,
		PRIMARY KEY (scheduled_call_id, attempted_at)
	) WITH CLUSTERING ORDER BY (attempted_at DESC)`

	if err := session.Query(q).Exec(); err != nil {
		return fmt.Errorf("scylla: init schema: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
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

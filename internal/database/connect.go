package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/systmms/pgrotate/internal/logging"
	"github.com/systmms/pgrotate/internal/secrets"
)

// connectTimeout bounds every connection attempt so credential fallback
// chains stay fast even against unreachable hosts.
const connectTimeout = 5 * time.Second

// SSLPolicy is the resolved transport policy for a credential document.
type SSLPolicy struct {
	// UseSSL selects an encrypted first attempt with certificate and
	// hostname verification.
	UseSSL bool
	// FallBack allows one plaintext retry after an encrypted failure.
	FallBack bool
}

// ResolveSSLPolicy derives the policy from the tri-state ssl field of a
// secret document:
//   - absent, null, or unrecognized type: encrypted with fallback
//   - bool: that value, no fallback
//   - "true"/"false" (any case): parsed value, no fallback
//   - any other string: encrypted with fallback
func ResolveSSLPolicy(value interface{}) SSLPolicy {
	switch v := value.(type) {
	case bool:
		return SSLPolicy{UseSSL: v, FallBack: false}
	case string:
		switch strings.ToLower(v) {
		case "true":
			return SSLPolicy{UseSSL: true, FallBack: false}
		case "false":
			return SSLPolicy{UseSSL: false, FallBack: false}
		default:
			return SSLPolicy{UseSSL: true, FallBack: true}
		}
	default:
		return SSLPolicy{UseSSL: true, FallBack: true}
	}
}

// TryInOrder runs attempt against each candidate in order and returns the
// first session obtained, or nil when every candidate fails.
func TryInOrder[C any](candidates []C, attempt func(C) *sql.DB) *sql.DB {
	for _, candidate := range candidates {
		if db := attempt(candidate); db != nil {
			return db
		}
	}
	return nil
}

// Connector negotiates authenticated database sessions from credential
// documents. Authentication and network failures are reported as a nil
// session, never as an error, so callers can walk fallback chains.
type Connector struct {
	logger      *logging.Logger
	rootCert    string
	openSession func(driverName, dsn string) (*sql.DB, error)
}

// NewConnector creates a connector. rootCert is the CA bundle used to
// verify server certificates on encrypted attempts.
func NewConnector(logger *logging.Logger, rootCert string) *Connector {
	return &Connector{
		logger:      logger,
		rootCert:    rootCert,
		openSession: sql.Open,
	}
}

// Connect resolves the record's SSL policy and attempts a session,
// encrypted first when the policy selects it, with at most one plaintext
// retry when fallback is allowed. Returns nil when no attempt succeeds.
func (c *Connector) Connect(ctx context.Context, rec *secrets.Record) *sql.DB {
	policy := ResolveSSLPolicy(rec.SSL)

	modes := []bool{policy.UseSSL}
	if policy.UseSSL && policy.FallBack {
		modes = append(modes, false)
	}

	return TryInOrder(modes, func(useSSL bool) *sql.DB {
		return c.attempt(ctx, rec, useSSL)
	})
}

func (c *Connector) attempt(ctx context.Context, rec *secrets.Record, useSSL bool) *sql.DB {
	db, err := c.openSession("postgres", buildDSN(rec, useSSL, c.rootCert))
	if err != nil {
		c.logger.Debug("opening connection to %s failed: %v", rec.Host, err)
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		c.logger.Debug("%s connection to %s as %s failed: %v", transportName(useSSL), rec.Host, rec.Username, err)
		return nil
	}

	c.logger.Info("established %s connection as user '%s' with host: '%s'", transportName(useSSL), rec.Username, rec.Host)
	return db
}

// buildDSN assembles a keyword/value connection string. verify-full checks
// both the server certificate and the hostname.
func buildDSN(rec *secrets.Record, useSSL bool, rootCert string) string {
	parts := []string{
		fmt.Sprintf("host=%s", quoteDSNValue(rec.Host)),
		fmt.Sprintf("port=%d", rec.EffectivePort()),
		fmt.Sprintf("dbname=%s", quoteDSNValue(rec.EffectiveDBName())),
		fmt.Sprintf("user=%s", quoteDSNValue(rec.Username)),
		fmt.Sprintf("password=%s", quoteDSNValue(rec.Password)),
		fmt.Sprintf("connect_timeout=%d", int(connectTimeout.Seconds())),
	}
	if useSSL {
		parts = append(parts, "sslmode=verify-full", fmt.Sprintf("sslrootcert=%s", quoteDSNValue(rootCert)))
	} else {
		parts = append(parts, "sslmode=disable")
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue single-quotes a value for the keyword/value DSN format.
// Passwords from prior rotations may contain spaces or quotes.
func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func transportName(useSSL bool) string {
	if useSSL {
		return "SSL/TLS"
	}
	return "non SSL/TLS"
}

package rotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/systmms/pgrotate/internal/secrets"
)

// ensureUser creates the target role under the master credential when the
// record carries a master reference and the role does not exist yet.
// Returns whether the role was created.
//
// A record without a master reference is a no-op: the role is expected to
// rotate its own password. When the child's host differs from the
// master's, the replica verifier must confirm the relationship before any
// connection is attempted.
func (r *Rotator) ensureUser(ctx context.Context, rec *secrets.Record) (bool, error) {
	if rec.MasterARN == "" {
		return false, nil
	}

	master, err := r.store.Fetch(ctx, rec.MasterARN, secrets.StageCurrent, "", true)
	if err != nil {
		return false, err
	}

	// Master secrets may omit engine, host, and port; inherit them from
	// the child, then target the child's database.
	if err := master.BackfillFrom(rec); err != nil {
		return false, err
	}

	if rec.Host != master.Host && !r.replicas.IsReplica(ctx, rec.Host, master.Host) {
		return false, &PolicyViolationError{Reason: fmt.Sprintf("current database host %s is not the same host as/rds replica of master %s", rec.Host, master.Host)}
	}

	conn := r.db.Connect(ctx, master)
	if conn == nil {
		return false, &AuthFailureError{SecretID: rec.MasterARN, Reason: "unable to log into database using credentials in master secret"}
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	quoted, err := quotedIdentifier(ctx, tx, rec.Username)
	if err != nil {
		return false, err
	}

	created := false
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM pg_roles WHERE rolname = $1", rec.Username).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		create := fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", quoted, pq.QuoteLiteral(rec.Password))
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return false, fmt.Errorf("creating role %s: %w", rec.Username, err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("checking role catalog for %s: %w", rec.Username, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing role creation: %w", err)
	}

	if created {
		r.logger.Info("ensureUser: successfully created user %s in database %s", rec.Username, master.EffectiveDBName())
	}
	return created, nil
}

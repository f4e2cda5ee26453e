// Package rotation implements the single-user rotation state machine for a
// PostgreSQL credential stored in Secrets Manager. The four steps are
// individually idempotent; all durable state lives in the vault's version
// stage labels and in the database itself.
package rotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/systmms/pgrotate/internal/logging"
	"github.com/systmms/pgrotate/internal/secrets"
)

// SecretStore is the vault surface the state machine drives.
type SecretStore interface {
	Fetch(ctx context.Context, secretID, stage, token string, master bool) (*secrets.Record, error)
	Describe(ctx context.Context, secretID string) (*secrets.Metadata, error)
	PutPending(ctx context.Context, secretID, token string, payload []byte) error
	PromoteVersion(ctx context.Context, secretID, token, fromVersion string) error
	RandomPassword(ctx context.Context, excludeCharacters string) (string, error)
}

// SessionOpener negotiates authenticated database sessions. A nil session
// means the credential did not authenticate; it is never an error.
type SessionOpener interface {
	Connect(ctx context.Context, rec *secrets.Record) *sql.DB
}

// ReplicaVerifier reports whether one host is a managed read replica of
// another.
type ReplicaVerifier interface {
	IsReplica(ctx context.Context, candidateHost, masterHost string) bool
}

// Rotator drives the rotation steps against the vault and the database.
type Rotator struct {
	store             SecretStore
	db                SessionOpener
	replicas          ReplicaVerifier
	logger            *logging.Logger
	excludeCharacters string
}

// New creates a rotator. excludeCharacters is the character set withheld
// from generated passwords.
func New(store SecretStore, db SessionOpener, replicas ReplicaVerifier, logger *logging.Logger, excludeCharacters string) *Rotator {
	return &Rotator{
		store:             store,
		db:                db,
		replicas:          replicas,
		logger:            logger,
		excludeCharacters: excludeCharacters,
	}
}

// Rotate validates the version staging for the request and dispatches to
// the step handler. Repeated invocation of any step is safe; concurrent
// invocations for the same secret are serialized by the vault's own
// rotation lock, not here.
func (r *Rotator) Rotate(ctx context.Context, req Request) error {
	step, err := ParseStep(req.Step)
	if err != nil {
		r.logger.Error("rotation of %s rejected: %v", req.SecretID, err)
		return err
	}

	meta, err := r.store.Describe(ctx, req.SecretID)
	if err != nil {
		r.logger.Error("%s: describing %s failed: %v", step, req.SecretID, err)
		return err
	}

	if meta.RotationEnabled != nil && !*meta.RotationEnabled {
		err := &PolicyViolationError{Reason: fmt.Sprintf("secret %s is not enabled for rotation", req.SecretID)}
		r.logger.Error("%s: %v", step, err)
		return err
	}

	stages, ok := meta.StagesFor(req.ClientRequestToken)
	if !ok {
		err := &InvalidStateError{SecretID: req.SecretID, Token: req.ClientRequestToken, Reason: "version has no stage for rotation"}
		r.logger.Error("%s: %v", step, err)
		return err
	}
	if hasStage(stages, secrets.StageCurrent) {
		r.logger.Info("secret version %s already set as %s for secret %s", req.ClientRequestToken, secrets.StageCurrent, req.SecretID)
		return nil
	}
	if !hasStage(stages, secrets.StagePending) {
		err := &InvalidStateError{SecretID: req.SecretID, Token: req.ClientRequestToken, Reason: fmt.Sprintf("version not set as %s", secrets.StagePending)}
		r.logger.Error("%s: %v", step, err)
		return err
	}

	switch step {
	case StepCreateSecret:
		err = r.createSecret(ctx, req.SecretID, req.ClientRequestToken)
	case StepSetSecret:
		err = r.setSecret(ctx, req.SecretID, req.ClientRequestToken)
	case StepTestSecret:
		err = r.testSecret(ctx, req.SecretID, req.ClientRequestToken)
	case StepFinishSecret:
		err = r.finishSecret(ctx, req.SecretID, req.ClientRequestToken)
	}
	if err != nil {
		r.logger.Error("%s failed for secret %s: %v", step, req.SecretID, err)
	}
	return err
}

// createSecret generates a new password and stores it as the pending
// version under token. A pending version that already exists is never
// overwritten: a prior partial run owns it.
func (r *Rotator) createSecret(ctx context.Context, secretID, token string) error {
	current, err := r.store.Fetch(ctx, secretID, secrets.StageCurrent, "", false)
	if err != nil {
		return err
	}

	if _, err := r.store.Fetch(ctx, secretID, secrets.StagePending, token, false); err == nil {
		r.logger.Info("createSecret: successfully retrieved secret for %s", secretID)
		return nil
	} else {
		var notFound *secrets.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	password, err := r.store.RandomPassword(ctx, r.excludeCharacters)
	if err != nil {
		return err
	}
	payload, err := current.PayloadWithPassword(password)
	if err != nil {
		return fmt.Errorf("serializing pending secret for %s: %w", secretID, err)
	}
	if err := r.store.PutPending(ctx, secretID, token, payload); err != nil {
		return err
	}
	r.logger.Info("createSecret: successfully put secret for %s and version %s", secretID, token)
	return nil
}

// setSecret applies the pending password to the database role. Login is
// attempted with the pending credential first (a prior run may already
// have applied it), then current, then previous, each guarded by the
// user/host equality policy so the rotation can never overwrite an
// unrelated account's password.
func (r *Rotator) setSecret(ctx context.Context, secretID, token string) error {
	previous, err := r.store.Fetch(ctx, secretID, secrets.StagePrevious, "", false)
	if err != nil {
		var notFound *secrets.NotFoundError
		var schema *secrets.SchemaError
		if errors.As(err, &notFound) || errors.As(err, &schema) {
			previous = nil
		} else {
			return err
		}
	}
	current, err := r.store.Fetch(ctx, secretID, secrets.StageCurrent, "", false)
	if err != nil {
		return err
	}
	pending, err := r.store.Fetch(ctx, secretID, secrets.StagePending, token, false)
	if err != nil {
		return err
	}

	if _, err := r.ensureUser(ctx, current); err != nil {
		return err
	}

	if conn := r.db.Connect(ctx, pending); conn != nil {
		_ = conn.Close()
		r.logger.Info("setSecret: %s secret is already set as password in the database for secret %s", secrets.StagePending, secretID)
		return nil
	}

	if pending.Username != current.Username {
		return &PolicyViolationError{Reason: fmt.Sprintf("attempting to modify user %s other than current user %s", pending.Username, current.Username)}
	}
	if pending.Host != current.Host {
		return &PolicyViolationError{Reason: fmt.Sprintf("attempting to modify user for host %s other than current host %s", pending.Host, current.Host)}
	}

	conn := r.db.Connect(ctx, current)
	if conn == nil && previous != nil {
		// Attempt the previous credential under the current secret's
		// transport policy, not its own stale one.
		previous.CopySSLFrom(current)

		if previous.Username != pending.Username {
			return &PolicyViolationError{Reason: fmt.Sprintf("attempting to modify user %s other than previous valid user %s", pending.Username, previous.Username)}
		}
		if previous.Host != pending.Host {
			return &PolicyViolationError{Reason: fmt.Sprintf("attempting to modify user for host %s other than previous valid host %s", pending.Host, previous.Host)}
		}

		conn = r.db.Connect(ctx, previous)
	}
	if conn == nil {
		return &AuthFailureError{SecretID: secretID, Reason: "unable to log into database with previous, current, or pending secret"}
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	quoted, err := quotedIdentifier(ctx, tx, pending.Username)
	if err != nil {
		return err
	}
	alter := fmt.Sprintf("ALTER USER %s WITH PASSWORD %s", quoted, pq.QuoteLiteral(pending.Password))
	if _, err := tx.ExecContext(ctx, alter); err != nil {
		return fmt.Errorf("altering password for user %s: %w", pending.Username, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing password change: %w", err)
	}

	r.logger.Info("setSecret: successfully set password for user %s in the database for secret %s", pending.Username, secretID)
	return nil
}

// testSecret verifies that the pending credential authenticates and can
// run a trivial query. Extend the validation query to cover
// application-specific permission checks.
func (r *Rotator) testSecret(ctx context.Context, secretID, token string) error {
	pending, err := r.store.Fetch(ctx, secretID, secrets.StagePending, token, false)
	if err != nil {
		return err
	}

	conn := r.db.Connect(ctx, pending)
	if conn == nil {
		return &AuthFailureError{SecretID: secretID, Reason: "unable to log into database with pending secret"}
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var now string
	if err := tx.QueryRowContext(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return fmt.Errorf("running validation query: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing validation query: %w", err)
	}

	r.logger.Info("testSecret: successfully signed into the database with %s secret in %s", secrets.StagePending, secretID)
	return nil
}

// finishSecret moves the AWSCURRENT stage onto token. This is the only
// step that mutates global stage state and the stage move itself is a
// single atomic vault operation.
func (r *Rotator) finishSecret(ctx context.Context, secretID, token string) error {
	meta, err := r.store.Describe(ctx, secretID)
	if err != nil {
		return err
	}

	fromVersion := ""
	if version, ok := meta.VersionWithStage(secrets.StageCurrent); ok {
		if version == token {
			r.logger.Info("finishSecret: version %s already marked as %s for %s", version, secrets.StageCurrent, secretID)
			return nil
		}
		fromVersion = version
	}

	if err := r.store.PromoteVersion(ctx, secretID, token, fromVersion); err != nil {
		return err
	}
	r.logger.Info("finishSecret: successfully set %s stage to version %s for secret %s", secrets.StageCurrent, token, secretID)
	return nil
}

// quotedIdentifier resolves the safely quoted form of a role name using
// the server's own quoting rules.
func quotedIdentifier(ctx context.Context, tx *sql.Tx, username string) (string, error) {
	var quoted string
	if err := tx.QueryRowContext(ctx, "SELECT quote_ident($1)", username).Scan(&quoted); err != nil {
		return "", fmt.Errorf("resolving quoted identifier for %s: %w", username, err)
	}
	return quoted, nil
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

package rotation

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/pgrotate/internal/logging"
	"github.com/systmms/pgrotate/internal/secrets"
)

const (
	testARN   = "arn:aws:secretsmanager:us-east-1:123456789012:secret:app-db"
	testToken = "11111111-2222-3333-4444-555555555555"
)

// fakeStore implements SecretStore over in-memory records keyed by
// secret id and stage.
type fakeStore struct {
	metas      []*secrets.Metadata
	metaErr    error
	records    map[string]*secrets.Record
	fetchErrs  map[string]error
	fetches    []string
	password   string
	putCalls   []putCall
	promotions []promotion
}

type putCall struct {
	secretID string
	token    string
	payload  []byte
}

type promotion struct {
	secretID    string
	token       string
	fromVersion string
}

func storeKey(secretID, stage string) string {
	return secretID + "|" + stage
}

func (f *fakeStore) Fetch(_ context.Context, secretID, stage, _ string, _ bool) (*secrets.Record, error) {
	k := storeKey(secretID, stage)
	f.fetches = append(f.fetches, k)
	if err, ok := f.fetchErrs[k]; ok {
		return nil, err
	}
	rec, ok := f.records[k]
	if !ok {
		return nil, &secrets.NotFoundError{SecretID: secretID, Stage: stage}
	}
	return rec, nil
}

func (f *fakeStore) Describe(_ context.Context, _ string) (*secrets.Metadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	meta := f.metas[0]
	if len(f.metas) > 1 {
		f.metas = f.metas[1:]
	}
	return meta, nil
}

func (f *fakeStore) PutPending(_ context.Context, secretID, token string, payload []byte) error {
	f.putCalls = append(f.putCalls, putCall{secretID: secretID, token: token, payload: payload})
	return nil
}

func (f *fakeStore) PromoteVersion(_ context.Context, secretID, token, fromVersion string) error {
	f.promotions = append(f.promotions, promotion{secretID: secretID, token: token, fromVersion: fromVersion})
	return nil
}

func (f *fakeStore) RandomPassword(_ context.Context, _ string) (string, error) {
	return f.password, nil
}

// fakeOpener hands out sessions keyed by the record's password, recording
// every attempt.
type fakeOpener struct {
	sessions map[string]*sql.DB
	attempts []*secrets.Record
}

func (f *fakeOpener) Connect(_ context.Context, rec *secrets.Record) *sql.DB {
	f.attempts = append(f.attempts, rec)
	return f.sessions[rec.Password]
}

func (f *fakeOpener) attemptedPasswords() []string {
	var out []string
	for _, rec := range f.attempts {
		out = append(out, rec.Password)
	}
	return out
}

type fakeVerifier struct {
	replica bool
	calls   []string
}

func (f *fakeVerifier) IsReplica(_ context.Context, candidateHost, masterHost string) bool {
	f.calls = append(f.calls, candidateHost+"->"+masterHost)
	return f.replica
}

func testLogger() *logging.Logger {
	return logging.New(false, true)
}

func record(t *testing.T, doc string) *secrets.Record {
	t.Helper()
	rec, err := secrets.Parse(testARN, []byte(doc), false)
	require.NoError(t, err)
	return rec
}

func pendingStagedMeta() *secrets.Metadata {
	return &secrets.Metadata{
		RotationEnabled: aws.Bool(true),
		VersionStages: map[string][]string{
			"v-current": {secrets.StageCurrent},
			testToken:   {secrets.StagePending},
		},
	}
}

func newTestRotator(store *fakeStore, opener *fakeOpener, verifier *fakeVerifier) *Rotator {
	return New(store, opener, verifier, testLogger(), `:/@"'\`)
}

func request(step Step) Request {
	return Request{SecretID: testARN, ClientRequestToken: testToken, Step: string(step)}
}

func TestParseStep(t *testing.T) {
	for _, name := range []string{"createSecret", "setSecret", "testSecret", "finishSecret"} {
		step, err := ParseStep(name)
		require.NoError(t, err)
		assert.Equal(t, Step(name), step)
	}

	_, err := ParseStep("deleteSecret")
	assert.Error(t, err)
}

func TestRotatePrecondition(t *testing.T) {
	tests := []struct {
		name    string
		meta    *secrets.Metadata
		wantErr interface{}
		wantOK  bool
	}{
		{
			name: "rotation_disabled",
			meta: &secrets.Metadata{
				RotationEnabled: aws.Bool(false),
				VersionStages:   map[string][]string{testToken: {secrets.StagePending}},
			},
			wantErr: &PolicyViolationError{},
		},
		{
			name: "token_has_no_stage",
			meta: &secrets.Metadata{
				RotationEnabled: aws.Bool(true),
				VersionStages:   map[string][]string{"v-other": {secrets.StageCurrent}},
			},
			wantErr: &InvalidStateError{},
		},
		{
			name: "token_already_current_short_circuits",
			meta: &secrets.Metadata{
				RotationEnabled: aws.Bool(true),
				VersionStages:   map[string][]string{testToken: {secrets.StageCurrent}},
			},
			wantOK: true,
		},
		{
			name: "token_not_pending",
			meta: &secrets.Metadata{
				RotationEnabled: aws.Bool(true),
				VersionStages:   map[string][]string{testToken: {secrets.StagePrevious}},
			},
			wantErr: &InvalidStateError{},
		},
		{
			name: "rotation_flag_absent_is_allowed",
			meta: &secrets.Metadata{
				VersionStages: map[string][]string{testToken: {secrets.StageCurrent}},
			},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{metas: []*secrets.Metadata{tt.meta}}
			r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

			err := r.Rotate(context.Background(), request(StepCreateSecret))
			if tt.wantOK {
				require.NoError(t, err)
				assert.Empty(t, store.fetches, "short-circuit must not touch secret values")
				return
			}
			require.Error(t, err)
			switch tt.wantErr.(type) {
			case *PolicyViolationError:
				var target *PolicyViolationError
				assert.ErrorAs(t, err, &target)
			case *InvalidStateError:
				var target *InvalidStateError
				assert.ErrorAs(t, err, &target)
			}
		})
	}
}

func TestRotateRejectsUnknownStep(t *testing.T) {
	r := newTestRotator(&fakeStore{metas: []*secrets.Metadata{pendingStagedMeta()}}, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), Request{SecretID: testARN, ClientRequestToken: testToken, Step: "restoreSecret"})
	assert.ErrorContains(t, err, "invalid step parameter")
}

func TestCreateSecretGeneratesPending(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "p1", "owner": "team-db"}`)
	store := &fakeStore{
		metas:    []*secrets.Metadata{pendingStagedMeta()},
		records:  map[string]*secrets.Record{storeKey(testARN, secrets.StageCurrent): current},
		password: "r4ndom-pw",
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepCreateSecret)))

	require.Len(t, store.putCalls, 1)
	put := store.putCalls[0]
	assert.Equal(t, testARN, put.secretID)
	assert.Equal(t, testToken, put.token)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(put.payload, &doc))
	assert.Equal(t, "r4ndom-pw", doc["password"])
	assert.Equal(t, "a", doc["username"])
	assert.Equal(t, "h", doc["host"])
	assert.Equal(t, "team-db", doc["owner"], "unknown fields must survive the copy")

	// CURRENT itself is untouched.
	assert.Equal(t, "p1", current.Password)
}

func TestCreateSecretIsIdempotent(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "p1"}`)
	store := &fakeStore{
		metas:    []*secrets.Metadata{pendingStagedMeta()},
		records:  map[string]*secrets.Record{storeKey(testARN, secrets.StageCurrent): current},
		password: "r4ndom-pw",
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepCreateSecret)))
	require.Len(t, store.putCalls, 1)

	// The vault now carries the pending version a retry would observe.
	pending, err := secrets.Parse(testARN, store.putCalls[0].payload, false)
	require.NoError(t, err)
	store.records[storeKey(testARN, secrets.StagePending)] = pending

	require.NoError(t, r.Rotate(context.Background(), request(StepCreateSecret)))
	assert.Len(t, store.putCalls, 1, "a second createSecret must not overwrite the pending version")
}

func TestCreateSecretRequiresValidCurrent(t *testing.T) {
	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		fetchErrs: map[string]error{
			storeKey(testARN, secrets.StageCurrent): &secrets.SchemaError{SecretID: testARN, Reason: "password is required"},
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepCreateSecret))

	var schemaErr *secrets.SchemaError
	assert.ErrorAs(t, err, &schemaErr)
	assert.Empty(t, store.putCalls)
}

func TestSetSecretNoOpWhenPendingAuthenticates(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent): current,
			storeKey(testARN, secrets.StagePending): pending,
		},
	}
	opener := &fakeOpener{sessions: map[string]*sql.DB{"pending-pw": db}}
	r := newTestRotator(store, opener, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepSetSecret)))

	assert.Equal(t, []string{"pending-pw"}, opener.attemptedPasswords())
	assert.NoError(t, mock.ExpectationsWereMet(), "no database mutation may happen when pending already works")
}

func TestSetSecretAltersPasswordWithCurrentSession(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT quote_ident($1)")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"quote_ident"}).AddRow("a"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER USER a WITH PASSWORD 'pending-pw'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent): current,
			storeKey(testARN, secrets.StagePending): pending,
		},
	}
	opener := &fakeOpener{sessions: map[string]*sql.DB{"current-pw": db}}
	r := newTestRotator(store, opener, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepSetSecret)))

	assert.Equal(t, []string{"pending-pw", "current-pw"}, opener.attemptedPasswords())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSecretUsernameMismatchIsPolicyViolation(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "b", "password": "pending-pw"}`)

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent): current,
			storeKey(testARN, secrets.StagePending): pending,
		},
	}
	opener := &fakeOpener{}
	r := newTestRotator(store, opener, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepSetSecret))

	var policyErr *PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	assert.Contains(t, policyErr.Reason, "other than current user")
	assert.Equal(t, []string{"pending-pw"}, opener.attemptedPasswords(), "no further credential may be tried after a policy violation")
}

func TestSetSecretHostMismatchIsPolicyViolation(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h1", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h2", "username": "a", "password": "pending-pw"}`)

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent): current,
			storeKey(testARN, secrets.StagePending): pending,
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepSetSecret))

	var policyErr *PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	assert.Contains(t, policyErr.Reason, "other than current host")
}

func TestSetSecretFallsBackToPrevious(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw", "ssl": "true"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)
	previous := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "previous-pw", "ssl": false}`)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT quote_ident($1)")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"quote_ident"}).AddRow("a"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER USER a WITH PASSWORD 'pending-pw'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent):  current,
			storeKey(testARN, secrets.StagePending):  pending,
			storeKey(testARN, secrets.StagePrevious): previous,
		},
	}
	opener := &fakeOpener{sessions: map[string]*sql.DB{"previous-pw": db}}
	r := newTestRotator(store, opener, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepSetSecret)))

	assert.Equal(t, []string{"pending-pw", "current-pw", "previous-pw"}, opener.attemptedPasswords())
	assert.Equal(t, "true", previous.SSL, "previous must be attempted under current's transport policy")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSecretPreviousUserMismatchIsPolicyViolation(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)
	previous := record(t, `{"engine": "postgres", "host": "h", "username": "z", "password": "previous-pw"}`)

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent):  current,
			storeKey(testARN, secrets.StagePending):  pending,
			storeKey(testARN, secrets.StagePrevious): previous,
		},
	}
	opener := &fakeOpener{}
	r := newTestRotator(store, opener, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepSetSecret))

	var policyErr *PolicyViolationError
	require.ErrorAs(t, err, &policyErr)
	assert.Contains(t, policyErr.Reason, "previous valid user")
	assert.Equal(t, []string{"pending-pw", "current-pw"}, opener.attemptedPasswords(), "the previous credential must not be attempted after a mismatch")
}

func TestSetSecretAuthFailureWhenNoCredentialWorks(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)
	previous := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "previous-pw"}`)

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent):  current,
			storeKey(testARN, secrets.StagePending):  pending,
			storeKey(testARN, secrets.StagePrevious): previous,
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepSetSecret))

	var authErr *AuthFailureError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, testARN, authErr.SecretID)
}

func TestSetSecretToleratesMissingPrevious(t *testing.T) {
	current := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "current-pw"}`)
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)

	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{
			storeKey(testARN, secrets.StageCurrent): current,
			storeKey(testARN, secrets.StagePending): pending,
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepSetSecret))

	var authErr *AuthFailureError
	assert.ErrorAs(t, err, &authErr)
}

func TestTestSecretRunsValidationQuery(t *testing.T) {
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT NOW()")).
		WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow("2026-08-25 10:00:00"))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := &fakeStore{
		metas:   []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{storeKey(testARN, secrets.StagePending): pending},
	}
	opener := &fakeOpener{sessions: map[string]*sql.DB{"pending-pw": db}}
	r := newTestRotator(store, opener, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepTestSecret)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTestSecretAuthFailure(t *testing.T) {
	pending := record(t, `{"engine": "postgres", "host": "h", "username": "a", "password": "pending-pw"}`)

	store := &fakeStore{
		metas:   []*secrets.Metadata{pendingStagedMeta()},
		records: map[string]*secrets.Record{storeKey(testARN, secrets.StagePending): pending},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	err := r.Rotate(context.Background(), request(StepTestSecret))

	var authErr *AuthFailureError
	assert.ErrorAs(t, err, &authErr)
}

func TestFinishSecretMovesCurrentStage(t *testing.T) {
	store := &fakeStore{
		metas: []*secrets.Metadata{pendingStagedMeta(), pendingStagedMeta()},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepFinishSecret)))

	require.Len(t, store.promotions, 1)
	assert.Equal(t, promotion{secretID: testARN, token: testToken, fromVersion: "v-current"}, store.promotions[0])
}

func TestFinishSecretNoOpWhenTokenAlreadyCurrent(t *testing.T) {
	// The version map can change between the staging precondition and the
	// re-describe inside finishSecret; the step must tolerate a
	// concurrent completion.
	store := &fakeStore{
		metas: []*secrets.Metadata{
			pendingStagedMeta(),
			{
				RotationEnabled: aws.Bool(true),
				VersionStages: map[string][]string{
					testToken: {secrets.StageCurrent, secrets.StagePending},
				},
			},
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepFinishSecret)))
	assert.Empty(t, store.promotions)
}

func TestFinishSecretWithNoPriorCurrent(t *testing.T) {
	store := &fakeStore{
		metas: []*secrets.Metadata{
			pendingStagedMeta(),
			{
				RotationEnabled: aws.Bool(true),
				VersionStages: map[string][]string{
					testToken: {secrets.StagePending},
				},
			},
		},
	}
	r := newTestRotator(store, &fakeOpener{}, &fakeVerifier{})

	require.NoError(t, r.Rotate(context.Background(), request(StepFinishSecret)))

	require.Len(t, store.promotions, 1)
	assert.Equal(t, "", store.promotions[0].fromVersion)
}

package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/systmms/pgrotate/internal/logging"
)

// Version stage labels used by the rotation protocol. At most one version
// holds StageCurrent at a time; the stage map is the sole source of truth
// for which credential is active.
const (
	StageCurrent  = "AWSCURRENT"
	StagePending  = "AWSPENDING"
	StagePrevious = "AWSPREVIOUS"
)

// ClientAPI is the slice of the Secrets Manager surface this module
// consumes. Narrow on purpose so tests can fake it.
type ClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
}

// Store reads and writes staged credential documents in Secrets Manager.
// It owns no persistence of its own; the vault does.
type Store struct {
	client ClientAPI
	logger *logging.Logger
}

// NewStore creates a store over a Secrets Manager client
func NewStore(client ClientAPI, logger *logging.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Metadata is the describe-secret view the state machine needs.
type Metadata struct {
	RotationEnabled *bool
	VersionStages   map[string][]string
}

// StagesFor returns the stage labels attached to a version token.
func (m *Metadata) StagesFor(token string) ([]string, bool) {
	stages, ok := m.VersionStages[token]
	return stages, ok
}

// VersionWithStage returns the version currently carrying the given stage.
func (m *Metadata) VersionWithStage(stage string) (string, bool) {
	for version, stages := range m.VersionStages {
		for _, s := range stages {
			if s == stage {
				return version, true
			}
		}
	}
	return "", false
}

// Fetch retrieves and parses the secret version carrying stage. A non-empty
// token additionally pins the version id. When master is true, schema
// validation is relaxed (master secrets may omit connection fields).
func (s *Store) Fetch(ctx context.Context, secretID, stage, token string, master bool) (*Record, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(stage),
	}
	if token != "" {
		input.VersionId = aws.String(token)
	}

	out, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, &NotFoundError{SecretID: secretID, Stage: stage}
		}
		return nil, fmt.Errorf("getting secret value for %s stage %s: %w", secretID, stage, err)
	}
	if out.SecretString == nil {
		return nil, &SchemaError{SecretID: secretID, Reason: "secret has no string value"}
	}

	rec, err := Parse(secretID, []byte(*out.SecretString), master)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("fetched secret %s stage %s (user %s)", secretID, stage, rec.Username)
	return rec, nil
}

// Describe returns the rotation flag and the version-to-stages map.
func (s *Store) Describe(ctx context.Context, secretID string) (*Metadata, error) {
	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, &NotFoundError{SecretID: secretID, Stage: "any"}
		}
		return nil, fmt.Errorf("describing secret %s: %w", secretID, err)
	}
	return &Metadata{
		RotationEnabled: out.RotationEnabled,
		VersionStages:   out.VersionIdsToStages,
	}, nil
}

// PutPending stores payload as a new version under token, staged AWSPENDING.
func (s *Store) PutPending(ctx context.Context, secretID, token string, payload []byte) error {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(secretID),
		ClientRequestToken: aws.String(token),
		SecretString:       aws.String(string(payload)),
		VersionStages:      []string{StagePending},
	})
	if err != nil {
		return fmt.Errorf("putting pending secret value for %s: %w", secretID, err)
	}
	return nil
}

// PromoteVersion atomically moves the AWSCURRENT stage onto token,
// removing it from fromVersion when one holds it.
func (s *Store) PromoteVersion(ctx context.Context, secretID, token, fromVersion string) error {
	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        aws.String(secretID),
		VersionStage:    aws.String(StageCurrent),
		MoveToVersionId: aws.String(token),
	}
	if fromVersion != "" {
		input.RemoveFromVersionId = aws.String(fromVersion)
	}
	if _, err := s.client.UpdateSecretVersionStage(ctx, input); err != nil {
		return fmt.Errorf("moving %s stage to version %s of %s: %w", StageCurrent, token, secretID, err)
	}
	return nil
}

// RandomPassword generates a password excluding the given characters.
func (s *Store) RandomPassword(ctx context.Context, excludeCharacters string) (string, error) {
	out, err := s.client.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
		ExcludeCharacters: aws.String(excludeCharacters),
	})
	if err != nil {
		return "", fmt.Errorf("generating random password: %w", err)
	}
	if out.RandomPassword == nil {
		return "", fmt.Errorf("generating random password: empty response")
	}
	return *out.RandomPassword, nil
}

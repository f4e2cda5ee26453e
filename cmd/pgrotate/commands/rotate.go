package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"
	"github.com/systmms/pgrotate/internal/config"
	"github.com/systmms/pgrotate/internal/database"
	"github.com/systmms/pgrotate/internal/rds"
	"github.com/systmms/pgrotate/internal/rotation"
	"github.com/systmms/pgrotate/internal/secrets"
)

// NewRotateCommand creates the rotate command. The trigger can arrive as
// flags or as a JSON event document, matching the shape the vault's
// rotation scheduler delivers.
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		secretID  string
		token     string
		step      string
		eventPath string
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run one rotation step against a secret",
		Long: `Run one step of the single-user rotation state machine. The step is one
of createSecret, setSecret, testSecret, or finishSecret. Provide the
trigger either via flags or via --event with a JSON document containing
SecretId, ClientRequestToken, and Step ("-" reads stdin).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(secretID, token, step, eventPath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			rotator, err := newRotator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return rotator.Rotate(cmd.Context(), req)
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret ARN or name to rotate")
	cmd.Flags().StringVar(&token, "token", "", "Client request token of the version being rotated")
	cmd.Flags().StringVar(&step, "step", "", "Rotation step to run")
	cmd.Flags().StringVar(&eventPath, "event", "", "Path to a JSON trigger document (\"-\" for stdin)")

	return cmd
}

// buildRequest assembles the trigger from an event document or from flags.
// Flags and an event document are mutually exclusive.
func buildRequest(secretID, token, step, eventPath string, stdin io.Reader) (rotation.Request, error) {
	var req rotation.Request

	if eventPath != "" {
		if secretID != "" || token != "" || step != "" {
			return req, fmt.Errorf("--event cannot be combined with --secret-id/--token/--step")
		}
		var data []byte
		var err error
		if eventPath == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(eventPath)
		}
		if err != nil {
			return req, fmt.Errorf("reading event document: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parsing event document: %w", err)
		}
	} else {
		req = rotation.Request{
			SecretID:           secretID,
			ClientRequestToken: token,
			Step:               step,
		}
	}

	if req.SecretID == "" || req.ClientRequestToken == "" || req.Step == "" {
		return req, fmt.Errorf("SecretId, ClientRequestToken, and Step are all required")
	}
	return req, nil
}

// newRotator wires the AWS clients, the connector, and the state machine
// from the runtime configuration.
func newRotator(ctx context.Context, cfg *config.Config) (*rotation.Rotator, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var smOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	store := secrets.NewStore(secretsmanager.NewFromConfig(awsCfg, smOpts...), cfg.Logger)
	connector := database.NewConnector(cfg.Logger, cfg.SSLRootCert)
	verifier := rds.NewVerifier(awsrds.NewFromConfig(awsCfg), cfg.Logger)

	return rotation.New(store, connector, verifier, cfg.Logger, cfg.ExcludeCharacters), nil
}

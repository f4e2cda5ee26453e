// Package rds verifies managed-instance replica relationships so that
// master-credential provisioning never touches an unrelated host.
package rds

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/systmms/pgrotate/internal/logging"
)

// InstanceAPI is the slice of the RDS surface the verifier consumes.
type InstanceAPI interface {
	DescribeDBInstances(ctx context.Context, params *awsrds.DescribeDBInstancesInput, optFns ...func(*awsrds.Options)) (*awsrds.DescribeDBInstancesOutput, error)
}

// Verifier answers whether one instance is a read replica of another.
type Verifier struct {
	client InstanceAPI
	logger *logging.Logger
}

// NewVerifier creates a verifier over an RDS client
func NewVerifier(client InstanceAPI, logger *logging.Logger) *Verifier {
	return &Verifier{client: client, logger: logger}
}

// IsReplica reports whether the candidate host is a read replica of the
// master host. Instance identifiers are the leading DNS label of each
// endpoint. Any lookup error or empty result yields false: an unverified
// relationship is treated as no relationship.
func (v *Verifier) IsReplica(ctx context.Context, candidateHost, masterHost string) bool {
	candidateID := instanceIdentifier(candidateHost)
	masterID := instanceIdentifier(masterHost)

	out, err := v.client.DescribeDBInstances(ctx, &awsrds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(candidateID),
	})
	if err != nil {
		v.logger.Warn("encountered error while verifying rds replica status: %v", err)
		return false
	}
	if len(out.DBInstances) == 0 {
		v.logger.Info("cannot verify replica status - no RDS instance found with identifier: %s", candidateID)
		return false
	}

	// Instance identifiers are unique; there can only be one result.
	return masterID == aws.ToString(out.DBInstances[0].ReadReplicaSourceDBInstanceIdentifier)
}

func instanceIdentifier(host string) string {
	return strings.Split(host, ".")[0]
}

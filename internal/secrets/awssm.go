package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the part of the Secrets Manager client we use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver reads secrets from AWS Secrets Manager:
// awssm://[region]/secret-id[#json-field]. An empty region uses the
// default AWS configuration chain.
type SecretsManagerResolver struct {
	// NewClient builds a client for region. Nil loads the default AWS config.
	NewClient func(ctx context.Context, region string) (SecretsManagerAPI, error)
}

func (r *SecretsManagerResolver) Scheme() string { return "awssm" }

func (r *SecretsManagerResolver) Resolve(ctx context.Context, reference string) (string, error) {
	region, secretID, field, err := parseSecretsManagerReference(reference)
	if err != nil {
		return "", err
	}

	newClient := r.NewClient
	if newClient == nil {
		newClient = defaultSecretsManagerClient
	}
	client, err := newClient(ctx, region)
	if err != nil {
		return "", &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    "loading AWS configuration: " + err.Error(),
			Fix:       "Configure credentials with AWS_PROFILE, AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or an instance role.",
			Err:       err,
		}
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return "", secretsManagerError(err, reference, secretID)
	}
	value := aws.ToString(out.SecretString)
	if value == "" && len(out.SecretBinary) > 0 {
		value = string(out.SecretBinary)
	}
	if field == "" {
		return value, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", &InvalidReferenceError{Reference: reference, Reason: "secret is not a JSON object, cannot select #" + field}
	}
	v, ok := fields[field]
	if !ok {
		return "", &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
	}
	switch v := v.(type) {
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// parseSecretsManagerReference splits awssm://region/secret-id#field.
//
//	awssm:///prod/tglogin          -> ("", "prod/tglogin", "")
//	awssm://eu-west-1/prod#api_hash -> ("eu-west-1", "prod", "api_hash")
func parseSecretsManagerReference(ref string) (region, secretID, field string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "awssm" {
		return "", "", "", &InvalidReferenceError{Reference: ref, Reason: "expected awssm://[region]/secret-id[#field]"}
	}
	secretID = strings.TrimPrefix(u.Path, "/")
	if secretID == "" {
		return "", "", "", &InvalidReferenceError{Reference: ref, Reason: "missing secret id"}
	}
	return u.Host, secretID, u.Fragment, nil
}

func defaultSecretsManagerClient(ctx context.Context, region string) (SecretsManagerAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func secretsManagerError(err error, reference, secretID string) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
	}
	var decrypt *types.DecryptionFailure
	if errors.As(err, &decrypt) {
		return &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    "cannot decrypt secret",
			Fix:       "Check kms:Decrypt on the key protecting " + secretID,
			Err:       err,
		}
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		return &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    "access denied",
			Fix:       "Check IAM permissions for secretsmanager:GetSecretValue on " + secretID,
			Err:       err,
		}
	}
	return &BackendError{Backend: "AWS Secrets Manager", Reference: reference, Reason: err.Error(), Err: err}
}

func init() {
	Register(&SecretsManagerResolver{})
}

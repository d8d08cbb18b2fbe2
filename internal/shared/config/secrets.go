package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	vault "github.com/hashicorp/vault/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"insight/internal/shared/logging"
)

// Secret backend names accepted by secret_backend.
const (
	BackendEnv   = "env"
	BackendVault = "vault"
	BackendAWS   = "aws"
	BackendGCP   = "gcp"
)

// SecretSource resolves a named credential. A miss returns ok == false with a nil error.
type SecretSource interface {
	Fetch(ctx context.Context, name string) (string, bool, error)
}

// EnvSource reads secrets from the environment.
type EnvSource struct {
	Lookup EnvLookup
}

func (s EnvSource) Fetch(_ context.Context, name string) (string, bool, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false, nil
	}
	return value, true, nil
}

// kvReader is the part of the vault KVv2 client used here.
type kvReader interface {
	Get(ctx context.Context, path string) (*vault.KVSecret, error)
}

// VaultSource reads every secret from one KV v2 entry, keyed by name.
type VaultSource struct {
	kv   kvReader
	path string
}

// NewVaultSource uses VAULT_ADDR and VAULT_TOKEN. The mount and path
// default to "secret" and "insight".
func NewVaultSource(lookup EnvLookup) (*VaultSource, error) {
	vcfg := vault.DefaultConfig()
	if vcfg.Error != nil {
		return nil, vcfg.Error
	}
	if addr, ok := lookup("VAULT_ADDR"); ok && addr != "" {
		vcfg.Address = addr
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	token, ok := lookup("VAULT_TOKEN")
	if !ok || token == "" {
		return nil, errors.New("VAULT_TOKEN is not set")
	}
	client.SetToken(token)
	mount := envOr(lookup, "AGI_INSIGHT_VAULT_MOUNT", "secret")
	path := envOr(lookup, "AGI_INSIGHT_VAULT_PATH", "insight")
	return &VaultSource{kv: client.KVv2(mount), path: path}, nil
}

func (s *VaultSource) Fetch(ctx context.Context, name string) (string, bool, error) {
	secret, err := s.kv.Get(ctx, s.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("vault read %s: %w", s.path, err)
	}
	if secret == nil {
		return "", false, nil
	}
	value, ok := secret.Data[name].(string)
	return value, ok && value != "", nil
}

// secretValueGetter is the part of the secretsmanager client used here.
type secretValueGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSource reads one Secrets Manager secret per name, under a prefix.
type AWSSource struct {
	client secretValueGetter
	prefix string
}

// NewAWSSource uses the default AWS credential chain.
func NewAWSSource(ctx context.Context, lookup EnvLookup) (*AWSSource, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &AWSSource{
		client: secretsmanager.NewFromConfig(awsCfg),
		prefix: envOr(lookup, "AGI_INSIGHT_SECRET_PREFIX", "insight/"),
	}, nil
}

func (s *AWSSource) Fetch(ctx context.Context, name string) (string, bool, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.prefix + name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("secretsmanager %s: %w", name, err)
	}
	value := aws.ToString(out.SecretString)
	return value, value != "", nil
}

// accessFunc reads the latest version of a fully qualified secret.
type accessFunc func(ctx context.Context, resource string) ([]byte, error)

// GCPSource reads the latest version of projects/<project>/secrets/<name>.
type GCPSource struct {
	access  accessFunc
	project string
	close   func() error
}

// NewGCPSource uses application default credentials and GOOGLE_CLOUD_PROJECT.
func NewGCPSource(ctx context.Context, lookup EnvLookup) (*GCPSource, error) {
	project, ok := lookup("GOOGLE_CLOUD_PROJECT")
	if !ok || project == "" {
		return nil, errors.New("GOOGLE_CLOUD_PROJECT is not set")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secretmanager client: %w", err)
	}
	access := func(ctx context.Context, resource string) ([]byte, error) {
		resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		if err != nil {
			return nil, err
		}
		return resp.GetPayload().GetData(), nil
	}
	return &GCPSource{access: access, project: project, close: client.Close}, nil
}

func (s *GCPSource) Fetch(ctx context.Context, name string) (string, bool, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.project, name)
	data, err := s.access(ctx, resource)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("secretmanager %s: %w", name, err)
	}
	return string(data), len(data) > 0, nil
}

// Close releases the underlying client.
func (s *GCPSource) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// FallbackSource reads the environment whenever the primary backend errors
// or misses.
type FallbackSource struct {
	Primary SecretSource
	Env     EnvSource
	Logger  logging.Logger
}

func (s FallbackSource) Fetch(ctx context.Context, name string) (string, bool, error) {
	value, ok, err := s.Primary.Fetch(ctx, name)
	if err == nil && ok {
		return value, true, nil
	}
	if err != nil {
		logging.OrNop(s.Logger).Warn("secret %s: %v; falling back to environment", name, err)
	}
	return s.Env.Fetch(ctx, name)
}

// NewSecretSource builds the named backend wrapped in a FallbackSource. A
// backend that cannot be constructed degrades to the environment.
func NewSecretSource(ctx context.Context, backend string, lookup EnvLookup, logger logging.Logger) SecretSource {
	logger = logging.OrNop(logger)
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	env := EnvSource{Lookup: lookup}

	var (
		primary SecretSource
		err     error
	)
	switch backend {
	case "", BackendEnv:
		return env
	case BackendVault:
		primary, err = NewVaultSource(lookup)
	case BackendAWS:
		primary, err = NewAWSSource(ctx, lookup)
	case BackendGCP:
		primary, err = NewGCPSource(ctx, lookup)
	default:
		err = fmt.Errorf("unknown secret backend %q", backend)
	}
	if err != nil {
		logger.Warn("secret backend %s unavailable: %v; using environment", backend, err)
		return env
	}
	return FallbackSource{Primary: primary, Env: env, Logger: logger}
}

func envOr(lookup EnvLookup, name, fallback string) string {
	if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

package config

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"insight/internal/shared/logging"
)

type fakeKV struct {
	data map[string]any
	err  error
}

func (f fakeKV) Get(context.Context, string) (*vault.KVSecret, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &vault.KVSecret{Data: f.data}, nil
}

type fakeSecretsManager struct {
	values map[string]string
	err    error
}

func (f fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type staticSource struct {
	value string
	ok    bool
	err   error
}

func (s staticSource) Fetch(context.Context, string) (string, bool, error) {
	return s.value, s.ok, s.err
}

func TestEnvSourceTreatsBlankAsMiss(t *testing.T) {
	src := EnvSource{Lookup: mapLookup(map[string]string{"A": "x", "B": "  "})}
	v, ok, err := src.Fetch(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok, _ = src.Fetch(context.Background(), "B")
	assert.False(t, ok)
}

func TestVaultSource(t *testing.T) {
	ctx := context.Background()
	src := &VaultSource{kv: fakeKV{data: map[string]any{"API_TOKEN": "from-vault"}}, path: "insight"}
	v, ok, err := src.Fetch(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-vault", v)

	_, ok, err = src.Fetch(ctx, "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.False(t, ok)

	missing := &VaultSource{kv: fakeKV{err: vault.ErrSecretNotFound}, path: "insight"}
	_, ok, err = missing.Fetch(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.False(t, ok)

	broken := &VaultSource{kv: fakeKV{err: errors.New("sealed")}, path: "insight"}
	_, _, err = broken.Fetch(ctx, "API_TOKEN")
	require.Error(t, err)
}

func TestAWSSource(t *testing.T) {
	ctx := context.Background()
	src := &AWSSource{client: fakeSecretsManager{values: map[string]string{"insight/API_TOKEN": "from-aws"}}, prefix: "insight/"}
	v, ok, err := src.Fetch(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-aws", v)

	_, ok, err = src.Fetch(ctx, "AGI_INSIGHT_BUS_TOKEN")
	require.NoError(t, err)
	assert.False(t, ok)

	broken := &AWSSource{client: fakeSecretsManager{err: errors.New("throttled")}}
	_, _, err = broken.Fetch(ctx, "API_TOKEN")
	require.Error(t, err)
}

func TestGCPSource(t *testing.T) {
	ctx := context.Background()
	var requested string
	src := &GCPSource{project: "demo", access: func(_ context.Context, resource string) ([]byte, error) {
		requested = resource
		if resource == "projects/demo/secrets/API_TOKEN/versions/latest" {
			return []byte("from-gcp"), nil
		}
		return nil, status.Error(codes.NotFound, "no such secret")
	}}

	v, ok, err := src.Fetch(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-gcp", v)

	_, ok, err = src.Fetch(ctx, "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "projects/demo/secrets/OPENAI_API_KEY/versions/latest", requested)
	assert.NoError(t, src.Close())
}

func TestFallbackSourceReadsEnvironmentOnErrorOrMiss(t *testing.T) {
	ctx := context.Background()
	env := EnvSource{Lookup: mapLookup(map[string]string{"API_TOKEN": "from-env"})}

	hit := FallbackSource{Primary: staticSource{value: "primary", ok: true}, Env: env, Logger: logging.Nop()}
	v, _, _ := hit.Fetch(ctx, "API_TOKEN")
	assert.Equal(t, "primary", v)

	failing := FallbackSource{Primary: staticSource{err: errors.New("down")}, Env: env, Logger: logging.Nop()}
	v, ok, err := failing.Fetch(ctx, "API_TOKEN")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)

	miss := FallbackSource{Primary: staticSource{}, Env: env, Logger: logging.Nop()}
	v, _, _ = miss.Fetch(ctx, "API_TOKEN")
	assert.Equal(t, "from-env", v)
}

func TestNewSecretSourceDegradesToEnvironment(t *testing.T) {
	ctx := context.Background()
	lookup := mapLookup(map[string]string{})

	_, isEnv := NewSecretSource(ctx, "", lookup, logging.Nop()).(EnvSource)
	assert.True(t, isEnv)
	_, isEnv = NewSecretSource(ctx, "keychain", lookup, logging.Nop()).(EnvSource)
	assert.True(t, isEnv)
	// Vault without a token cannot be constructed.
	_, isEnv = NewSecretSource(ctx, BackendVault, lookup, logging.Nop()).(EnvSource)
	assert.True(t, isEnv)
	// GCP without a project cannot be constructed.
	_, isEnv = NewSecretSource(ctx, BackendGCP, lookup, logging.Nop()).(EnvSource)
	assert.True(t, isEnv)

	src := NewSecretSource(ctx, BackendVault, mapLookup(map[string]string{"VAULT_TOKEN": "t", "VAULT_ADDR": "http://127.0.0.1:1"}), logging.Nop())
	_, isFallback := src.(FallbackSource)
	assert.True(t, isFallback)
}

func TestLoadSurvivesFailingSecretBackend(t *testing.T) {
	lookup := mapLookup(map[string]string{"API_TOKEN": "env-token"})
	loader := NewLoader(
		WithSearchDirs(t.TempDir()),
		WithEnvLookup(lookup),
		WithSecretSource(FallbackSource{Primary: staticSource{err: errors.New("down")}, Env: EnvSource{Lookup: lookup}, Logger: logging.Nop()}),
		WithLoaderLogger(logging.Nop()),
	)
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.API.Token)
}

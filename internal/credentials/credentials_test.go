package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSM struct {
	values map[string]string
	calls  int
}

func (f *fakeSM) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("WEBHOOK_PASSWORD", "s3cret")
	r := NewResolver(nil)

	v, err := r.Resolve(context.Background(), "env:WEBHOOK_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = r.Resolve(context.Background(), "env:NOT_SET_ANYWHERE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))
	r := NewResolver(nil)

	v, err := r.Resolve(context.Background(), "file:"+path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	_, err = r.Resolve(context.Background(), "file:"+filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSecretsManagerReadsEachTime(t *testing.T) {
	sm := &fakeSM{values: map[string]string{"prod/webhook": "v1"}}
	r := NewResolver(sm)
	ctx := context.Background()

	v, err := r.Resolve(ctx, "secretsmanager:prod/webhook")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	sm.values["prod/webhook"] = "v2"
	v, err = r.Resolve(ctx, "secretsmanager:prod/webhook")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 2, sm.calls)
}

func TestResolveUnsupported(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), "vault:secret/x")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = r.Resolve(context.Background(), "secretsmanager:x")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Error(t, Validate("plain-password"))
	assert.NoError(t, Validate("env:X"))
}

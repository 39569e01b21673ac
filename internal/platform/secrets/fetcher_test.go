package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubClient struct {
	mu       sync.Mutex
	values   map[string]string
	err      error
	requests []string
}

func (c *stubClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req.GetName())
	if c.err != nil {
		return nil, c.err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "unknown")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (c *stubClient) Close() error { return nil }

func TestFetcherResolvesAndCaches(t *testing.T) {
	t.Parallel()

	client := &stubClient{values: map[string]string{
		"projects/sf-prod/secrets/session-hash/versions/latest": "hash-value",
	}}
	f, err := NewFetcher(context.Background(), WithProject("sf-prod"), WithSecretManagerClient(client), WithFallbackFile(""))
	require.NoError(t, err)

	for range 2 {
		value, err := f.ResolveSecret(context.Background(), "secret://session/hash")
		require.NoError(t, err)
		require.Equal(t, "hash-value", value)
	}
	require.Len(t, client.requests, 1)
}

func TestFetcherFallsBackWhenUnavailable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".secrets.local")
	require.NoError(t, os.WriteFile(path, []byte("# dev\nsm://session/hash=local-hash\n"), 0o600))

	client := &stubClient{err: status.Error(codes.Unavailable, "offline")}
	f, err := NewFetcher(context.Background(), WithProject("sf-dev"), WithSecretManagerClient(client), WithFallbackFile(path))
	require.NoError(t, err)

	value, err := f.ResolveSecret(context.Background(), "secret://session/hash")
	require.NoError(t, err)
	require.Equal(t, "local-hash", value)
}

func TestFetcherPropagatesHardErrors(t *testing.T) {
	t.Parallel()

	client := &stubClient{err: status.Error(codes.InvalidArgument, "bad name")}
	f, err := NewFetcher(context.Background(), WithProject("sf-prod"), WithSecretManagerClient(client), WithFallbackFile(""))
	require.NoError(t, err)

	_, err = f.ResolveSecret(context.Background(), "secret://session/hash")
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFetcherWithoutProjectUsesFallbackOnly(t *testing.T) {
	t.Parallel()

	f, err := NewFetcher(context.Background(), WithFallbackFile(filepath.Join(t.TempDir(), "missing")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	_, err = f.ResolveSecret(context.Background(), "secret://session/block")
	require.ErrorContains(t, err, "no value")

	_, err = f.ResolveSecret(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "unsupported scheme")
}

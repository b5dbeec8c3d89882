package config

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

const singleAPI = `
apis:
  - id: orders
    context_path: /orders
    target: {url: "http://orders:8080"}
`

const twoAPIs = `
apis:
  - id: orders
    context_path: /orders
    target: {url: "http://orders:8080"}
  - id: catalog
    context_path: /catalog
    target: {url: "http://catalog:8080"}
`

func newTestProvider(t *testing.T, path string, onError func(error)) *APIFileProvider {
	t.Helper()
	p, err := NewAPIFileProvider(APIFileProviderConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnError:  onError,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func receive(t *testing.T, ch <-chan []*domain.APIDefinition) []*domain.APIDefinition {
	t.Helper()
	select {
	case apis := <-ch:
		return apis
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for api definitions")
		return nil
	}
}

func TestAPIFileProviderReloadsOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apis.yaml", singleAPI)
	p := newTestProvider(t, path, nil)

	require.Len(t, p.Current(), 1)

	updates := p.Subscribe()
	initial := receive(t, updates)
	require.Len(t, initial, 1)

	require.NoError(t, os.WriteFile(path, []byte(twoAPIs), 0o600))

	reloaded := receive(t, updates)
	require.Len(t, reloaded, 2)
	assert.Equal(t, "catalog", reloaded[1].ID)
	assert.Len(t, p.Current(), 2)
}

func TestAPIFileProviderKeepsLastGoodOnError(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apis.yaml", singleAPI)

	var failures atomic.Int32
	p := newTestProvider(t, path, func(error) { failures.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("apis: [\n"), 0o600))

	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, p.Current(), 1)
	assert.Equal(t, "orders", p.Current()[0].ID)
}

func TestAPIFileProviderInitialLoadFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apis.yaml", "apis: {")

	_, err := NewAPIFileProvider(APIFileProviderConfig{Path: path})
	assert.Error(t, err)
}

func TestAPIFileProviderCloseEndsSubscriptions(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apis.yaml", singleAPI)
	p, err := NewAPIFileProvider(APIFileProviderConfig{Path: path})
	require.NoError(t, err)

	updates := p.Subscribe()
	receive(t, updates)

	require.NoError(t, p.Close())
	_, ok := <-updates
	assert.False(t, ok)
}

package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failTool struct{}

func (failTool) Name() string        { return "fail" }
func (failTool) Description() string { return "always fails" }

func (failTool) Run(context.Context, string) (string, error) {
	return "", errors.New("broken")
}

func TestRegisterAndRun(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(EchoTool{})

	out, err := r.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRunUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Run(context.Background(), "nope", "x")
	require.Error(t, err)

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "nope", regErr.Tool)
}

func TestRunSafeWrapsErrors(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(failTool{})

	out := r.RunSafe(context.Background(), "fail", "x")
	assert.Contains(t, out, "Error: ")
	assert.Contains(t, out, "broken")

	out = r.RunSafe(context.Background(), "missing", "x")
	assert.Contains(t, out, "Error: ")
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(failTool{})
	r.Register(EchoTool{})
	assert.Equal(t, []string{"echo", "fail"}, r.Names())
}

func TestRegisterAsOverride(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAs("custom", EchoTool{})

	out, err := r.Run(context.Background(), "custom", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestWebhookNotifierFires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewRegistry(NewNotifier(srv.URL))
	r.Register(EchoTool{})

	_, err := r.Run(context.Background(), "echo", "ping")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hits.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestNilNotifierInert(t *testing.T) {
	var n *Notifier
	n.Notify("echo", "x", true) // must not panic
}

func TestToolManifestDefaults(t *testing.T) {
	assert.True(t, Manifest{}.enabled())
	f := false
	assert.False(t, Manifest{Enabled: &f}.enabled())
}

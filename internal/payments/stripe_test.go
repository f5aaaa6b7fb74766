package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stripeCall struct {
	path string
	form map[string]string
}

func fakeStripe(t *testing.T) (*httptest.Server, func() []stripeCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []stripeCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		c := stripeCall{path: r.URL.Path, form: map[string]string{}}
		for k, v := range r.PostForm {
			c.form[k] = v[0]
		}
		mu.Lock()
		calls = append(calls, c)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []stripeCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]stripeCall(nil), calls...)
	}
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	_, err := NewStripeGateway(" ", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStripeGatewayFlow(t *testing.T) {
	srv, calls := fakeStripe(t)
	g, err := NewStripeGateway("sk_test_123", srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := g.Authorize(ctx, "ride-1", "r1", 2300, "NGN")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)
	require.NoError(t, g.Capture(ctx, ref, 2000))
	require.NoError(t, g.Void(ctx, ref))

	got := calls()
	require.Len(t, got, 3)
	assert.Equal(t, "/v1/payment_intents", got[0].path)
	assert.Equal(t, "2300", got[0].form["amount"])
	assert.Equal(t, "ngn", got[0].form["currency"])
	assert.Equal(t, "manual", got[0].form["capture_method"])
	assert.Equal(t, "ride-1", got[0].form["metadata[ride_id]"])

	assert.Equal(t, "/v1/payment_intents/pi_123/capture", got[1].path)
	assert.Equal(t, "2000", got[1].form["amount_to_capture"])

	assert.Equal(t, "/v1/payment_intents/pi_123/cancel", got[2].path)
}

package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"caremap/internal/model"
	"caremap/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []Option{
		WithRateLimit(1000),
		WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}),
		WithLogger(zap.NewNop()),
	}
	return New(srv.URL, append(base, opts...)...)
}

const twoPlaces = `[
	{"display_name":"Moseley, Birmingham, B13 8HW","lat":"52.4462","lon":"-1.8866","address":{"postcode":"B13 8HW"}},
	{"display_name":"Nowhere","lat":"","lon":"-1.9"},
	{"display_name":"Moseley Road, Birmingham","lat":"52.4601","lon":"-1.8871","address":{"postcode":"B12"}}
]`

func TestSearch_ReturnsSuggestions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "moseley b13", r.URL.Query().Get("q"))
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "caremap-test", r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, twoPlaces)
	}, WithUserAgent("caremap-test"), WithLimit(2))

	got, err := c.Search(context.Background(), "  moseley b13 ")
	require.NoError(t, err)
	require.Len(t, got, 2, "the entry without a latitude is dropped")
	assert.Equal(t, "Moseley, Birmingham, B13 8HW", got[0].DisplayName)
	assert.InDelta(t, 52.4462, got[0].Lat, 1e-9)
	assert.InDelta(t, -1.8866, got[0].Lon, 1e-9)
	assert.Equal(t, "B13 8HW", got[0].Postcode)
	assert.Equal(t, "B12", got[1].Postcode)
}

func TestSearch_ShortQuerySkipsService(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `[]`)
	})

	got, err := c.Search(context.Background(), " b 1 ")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Zero(t, calls.Load())
}

func TestSearch_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Search(context.Background(), "Moseley")
	var se *model.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_FirstSuggestion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, twoPlaces)
	})

	p, err := c.Resolve(context.Background(), "Moseley")
	require.NoError(t, err)
	assert.InDelta(t, 52.4462, p.Lat, 1e-9)
}

func TestResolve_MissFallsBack(t *testing.T) {
	fallback := model.GeoPoint{Lat: 51.5, Lng: -0.12}
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[{"display_name":"Null Island","lat":"0","lon":"0"}]`)
	}, WithFallback(fallback))

	p, err := c.Resolve(context.Background(), "Null Island")
	var miss *model.GeocodeMiss
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, "Null Island", miss.Query)
	assert.Equal(t, fallback, p)
}

func TestResolve_ServiceFailureFallsBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	p, err := c.Resolve(context.Background(), "Moseley")
	require.Error(t, err)
	assert.Equal(t, model.GeoPoint{Lat: 53.0, Lng: -1.5}, p)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"caremap/internal/assign"
	"caremap/internal/auth"
	"caremap/internal/clusters"
	"caremap/internal/events"
	"caremap/internal/geocode"
	"caremap/internal/mapview"
	"caremap/internal/metrics"
	"caremap/internal/model"
	"caremap/internal/store"
)

type fakeGeocoder struct{}

func (fakeGeocoder) Search(ctx context.Context, q string) ([]geocode.Suggestion, error) {
	if q == "down" {
		return nil, &model.ServiceError{Op: "geocode.search", Err: errors.New("503")}
	}
	return []geocode.Suggestion{{DisplayName: "1 High St, Birmingham", Lat: 52.44, Lon: -1.88, Postcode: "B13"}}, nil
}

func (fakeGeocoder) Resolve(ctx context.Context, q string) (model.GeoPoint, error) {
	return clusters.DefaultFallback, &model.GeocodeMiss{Query: q}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	m := store.NewMemory()
	m.AddCluster(model.ClusterRecord{ID: "a", Name: "Moseley", Postcode: "B13", Latitude: model.Float(52.44), Longitude: model.Float(-1.88)})
	m.AddCluster(model.ClusterRecord{ID: "b", Name: "Kings Heath", Postcode: "B14", Latitude: model.Float(52.43), Longitude: model.Float(-1.89)})
	m.AddClient("a", model.MemberRecord{ID: "c1", FirstName: "Ada", Postcode: "B13", Latitude: model.Float(52.441), Longitude: model.Float(-1.881)})
	m.AddClient("a", model.MemberRecord{ID: "c2", FirstName: "Alan", Postcode: "B13", Latitude: model.Float(52.442), Longitude: model.Float(-1.879)})
	m.AddCarer("a", model.MemberRecord{ID: "k1", FirstName: "Grace", Latitude: model.Float(52.445), Longitude: model.Float(-1.885)})
	m.LinkCarers("c1", "k1")

	broker := events.NewMemory()
	cs := clusters.New(m, clusters.WithBroker(broker), clusters.WithLogger(zap.NewNop()))
	_, err := cs.Load(context.Background())
	require.NoError(t, err)

	view := mapview.New(mapview.DefaultConfig(), assign.New(m, nil, assign.WithLogger(zap.NewNop())),
		mapview.WithBroker(broker), mapview.WithLogger(zap.NewNop()))
	return &Server{
		Clusters: cs,
		View:     view,
		Geocoder: fakeGeocoder{},
		Broker:   broker,
		Ready:    map[string]Pinger{"store": m},
		Log:      zap.NewNop(),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	s.Ready["broker"] = pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	rr := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, decode(t, rr)["detail"], "broker")
}

func TestListFilterAndPostcodes(t *testing.T) {
	h := newTestServer(t).Handler()

	out := decode(t, do(t, h, http.MethodGet, "/v1/clusters", ""))
	assert.EqualValues(t, 2, out["count"])

	out = decode(t, do(t, h, http.MethodGet, "/v1/clusters?search=kings", ""))
	require.EqualValues(t, 1, out["count"])
	assert.Equal(t, "b", out["items"].([]any)[0].(map[string]any)["id"])

	out = decode(t, do(t, h, http.MethodGet, "/v1/clusters?postcode=B13", ""))
	assert.EqualValues(t, 1, out["count"])

	out = decode(t, do(t, h, http.MethodGet, "/v1/clusters/postcodes", ""))
	assert.Equal(t, []any{"B13", "B14"}, out["postcodes"])
}

func TestCreateCluster(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := do(t, h, http.MethodPost, "/v1/clusters", `{"postcode":"B29","location":{"lat":52.44,"lng":-1.94}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "name", decode(t, rr)["field"])

	rr = do(t, h, http.MethodPost, "/v1/clusters", `{"name":"Selly Oak","postcode":"B29"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "location", decode(t, rr)["field"])

	rr = do(t, h, http.MethodPost, "/v1/clusters", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/clusters", `{"name":"Selly Oak","postcode":"B29","location":{"lat":52.44,"lng":-1.94},"clientIds":["ghost"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	out := decode(t, rr)
	assert.Equal(t, "Selly Oak", out["cluster"].(map[string]any)["name"])
	assert.Contains(t, out["failedAssignments"], "ghost")

	rr = do(t, h, http.MethodPost, "/v1/clusters", `{"name":"Selly Oak","postcode":"B29","location":{"lat":52.44,"lng":-1.94}}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestUpdateCluster(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := do(t, h, http.MethodPut, "/v1/clusters/b", `{"name":"Kings Heath North","postcode":"B14"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Kings Heath North", decode(t, rr)["cluster"].(map[string]any)["name"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/v1/clusters/b", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/v1/clusters/zzz", `{"name":"x","postcode":"B1"}`).Code)
}

func TestDeleteBlockedUntilMembersMoved(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := do(t, h, http.MethodDelete, "/v1/clusters/a", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, map[string]any{"clients": 2.0, "caretakers": 1.0}, decode(t, rr)["members"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/clusters/zzz", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/clusters/a/move-all", `{"targetId":"a"}`).Code)

	rr = do(t, h, http.MethodPost, "/v1/clusters/a/move-all", `{"targetId":"b"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 3, decode(t, rr)["moved"])

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/clusters/a", "").Code)
	out := decode(t, do(t, h, http.MethodGet, "/v1/clusters", ""))
	assert.EqualValues(t, 1, out["count"])
}

func TestMoveMember(t *testing.T) {
	h := newTestServer(t).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/members/robot/c1/move", `{"targetId":"b"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/members/client/c1/move", `{"targetId":"zzz"}`).Code)

	rr := do(t, h, http.MethodPost, "/v1/members/clients/c1/move", `{"targetId":"b"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	snap := decode(t, do(t, h, http.MethodGet, "/v1/snapshot", ""))
	assert.Equal(t, "a", snap["selectedId"])
}

func TestSelectFocusesMap(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/clusters/b/select", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "b", decode(t, rr)["membership"].(map[string]any)["clusterId"])
	assert.Equal(t, mapview.Camera{Center: model.GeoPoint{Lat: 52.43, Lng: -1.89}, Zoom: mapview.FocusZoom}, s.View.Camera())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/clusters/zzz/select", "").Code)
}

func TestMapRoutes(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/v1/map/layers", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))
	visible, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, visible.Features)

	rr = do(t, h, http.MethodGet, "/v1/map/layers?all=1", "")
	all, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Greater(t, len(all.Features), len(visible.Features))

	rr = do(t, h, http.MethodPost, "/v1/map/zoom", `{"zoom":13}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "detail", decode(t, rr)["tier"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/map/zoom", `{}`).Code)

	rr = do(t, h, http.MethodPost, "/v1/map/click", `{"layerId":"cluster-b"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode(t, rr)
	assert.Equal(t, "b", out["selectedCluster"])
	assert.EqualValues(t, mapview.ClusterClickZoom, out["camera"].(map[string]any)["zoom"])
	assert.Equal(t, "b", s.Clusters.Snapshot().SelectedID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/map/click", `{"layerId":"line-x-y"}`).Code)

	cfg := decode(t, do(t, h, http.MethodGet, "/v1/map/config", ""))
	assert.EqualValues(t, 12, cfg["zoomThreshold"])
	assert.EqualValues(t, mapview.InitialZoom, cfg["initialZoom"])
}

func TestAddressSearch(t *testing.T) {
	h := newTestServer(t).Handler()

	out := decode(t, do(t, h, http.MethodGet, "/v1/address-search?q=high+st", ""))
	require.Len(t, out["suggestions"], 1)
	assert.Equal(t, "B13", out["suggestions"].([]any)[0].(map[string]any)["postcode"])

	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodGet, "/v1/address-search?q=down", "").Code)

	out = decode(t, do(t, h, http.MethodGet, "/v1/address-resolve?q=nowhere", ""))
	assert.Equal(t, true, out["fallback"])
	assert.Equal(t, map[string]any{"lat": 53.0, "lng": -1.5}, out["location"])
}

func TestMetricsAndDebugVars(t *testing.T) {
	metrics.RegisterDefault()
	h := newTestServer(t).Handler()
	do(t, h, http.MethodGet, "/v1/clusters", "")

	rr := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",path="GET /v1/clusters",status="200"}`)

	out := decode(t, do(t, h, http.MethodGet, "/debug/vars", ""))
	assert.Equal(t, "caremap", out["build"].(map[string]any)["service"])
	assert.EqualValues(t, 2, out["clusters"].(map[string]any)["count"])
}

func TestEventStream(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: heartbeat\n", first)

	post, err := http.Post(srv.URL+"/v1/clusters/b/select", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	post.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		if line == "event: "+events.ClusterSelected+"\n" {
			return
		}
	}
	t.Fatal("cluster.selected not streamed")
}

func TestEventWebsocket(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg struct {
		Type  string          `json:"type"`
		Event *events.Event   `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	post, err := http.Post(srv.URL+"/v1/clusters/b/select", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()

	for {
		msg.Event = nil
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "event" && msg.Event.Type == events.ClusterSelected {
			assert.Equal(t, "b", msg.Event.ClusterID)
			return
		}
	}
}

func TestAuthGuardsCommands(t *testing.T) {
	s := newTestServer(t)
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeHMAC, HMACSecret: "s3cret"})
	require.NoError(t, err)
	s.Auth = v
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/clusters", "").Code)

	viewer, err := v.Sign(auth.Principal{Subject: "u1", Role: "viewer"}, time.Minute)
	require.NoError(t, err)
	editor, err := v.Sign(auth.Principal{Subject: "u2", Role: "editor"}, time.Minute)
	require.NoError(t, err)

	withToken := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, "/v1/clusters", viewer))
	assert.Equal(t, http.StatusForbidden, withToken(http.MethodPost, "/v1/clusters/b/select", viewer))
	assert.Equal(t, http.StatusOK, withToken(http.MethodPost, "/v1/clusters/b/select", editor))
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/clusters?access_token="+viewer, "").Code)
}

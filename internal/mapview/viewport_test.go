package mapview

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"caremap/internal/assign"
	"caremap/internal/clusters"
	"caremap/internal/events"
	"caremap/internal/geo"
	"caremap/internal/model"
	"caremap/internal/store"
)

type fixture struct {
	backend  *store.Memory
	clusters *clusters.Store
	view     *Viewport
	broker   *events.Memory
	resolver *assign.Resolver
	source   *countingSource
}

// countingSource counts caretaker lookups.
type countingSource struct {
	*store.Memory
	calls atomic.Int32
}

func (c *countingSource) GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error) {
	c.calls.Add(1)
	return c.Memory.GetClientCaretakers(ctx, clientID)
}

func loc(lat, lng float64) (model.OptFloat, model.OptFloat) { return model.Float(lat), model.Float(lng) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	m.AddCluster(model.ClusterRecord{ID: "a", Name: "Moseley", Postcode: "B13", Latitude: model.Float(52.44), Longitude: model.Float(-1.88)})
	m.AddCluster(model.ClusterRecord{ID: "b", Name: "Kings Heath", Postcode: "B14", Latitude: model.Float(52.43), Longitude: model.Float(-1.89)})

	add := func(cluster, id string, lat, lng float64) {
		rec := model.MemberRecord{ID: model.FlexID(id), FirstName: id, Postcode: "B13"}
		if lat != 0 {
			rec.Latitude, rec.Longitude = loc(lat, lng)
		}
		m.AddClient(cluster, rec)
	}
	add("a", "c1", 52.4400, -1.8800)
	add("a", "c2", 52.4415, -1.8800)
	add("a", "c3", 52.9000, -1.8800)
	add("a", "c4", 52.4410, -1.8810)
	add("a", "c5", 0, 0)
	add("b", "b1", 52.4300, -1.8900)

	lat, lng := loc(52.445, -1.885)
	m.AddCarer("a", model.MemberRecord{ID: "k1", FirstName: "Grace", Latitude: lat, Longitude: lng})
	m.AddCarer("a", model.MemberRecord{ID: "k2", FirstName: "Edsger"})
	lat, lng = loc(52.45, -1.87)
	m.AddCarer("a", model.MemberRecord{ID: "k3", FirstName: "Barbara", Latitude: lat, Longitude: lng})
	m.LinkCarers("c1", "k1", "k2")
	m.SetVisits("c1", 6)

	broker := events.NewMemory()
	cs := clusters.New(m, clusters.WithLogger(zap.NewNop()))
	_, err := cs.Load(context.Background())
	require.NoError(t, err)

	source := &countingSource{Memory: m}
	resolver := assign.New(source, nil, assign.WithLogger(zap.NewNop()))
	v := New(DefaultConfig(), resolver, WithBroker(broker), WithLogger(zap.NewNop()))
	return &fixture{backend: m, clusters: cs, view: v, broker: broker, resolver: resolver, source: source}
}

func (f *fixture) refresh(t *testing.T) Diff {
	t.Helper()
	return f.view.Refresh(context.Background(), f.clusters.Snapshot())
}

func TestRefreshSkipsClientWithoutCoordinate(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	assert.Equal(t, 4, f.view.Count(TierDetail, KindClientMarker))
	warnings := f.view.Warnings()
	require.Len(t, warnings, 1)
	var pe *model.PartialDataError
	require.ErrorAs(t, warnings[0], &pe)
	assert.Equal(t, "c5", pe.EntityID)
}

func TestRefreshDrawsAggregateTier(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	assert.Equal(t, 2, f.view.Count(TierAggregate, KindClusterMarker))
	assert.Equal(t, 2, f.view.Count(TierAggregate, KindClusterBoundary))
	assert.Equal(t, 2, f.view.Count(TierAggregate, KindClusterLabel))
	assert.Equal(t, 2, f.view.Count(TierAggregate, KindGroupMarker), "c1, c2 and c4 chain together; c3 stands alone")

	layers := map[string]Layer{}
	for _, l := range f.view.Layers(false) {
		layers[l.ID] = l
	}
	group, ok := layers["group-c1"]
	require.True(t, ok)
	assert.Equal(t, "3 clients", group.Label)
	assert.Equal(t, "Moseley (5 clients, 3 carers)", layers["cluster-a-label"].Label)

	boundary := layers["cluster-a-boundary"]
	require.NotNil(t, boundary.Geometry)
	assert.Equal(t, "Polygon", boundary.Geometry.GeoJSONType())
}

func TestRefreshPlacesCaretakers(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	layers := map[string]Layer{}
	for _, l := range f.view.Layers(false) {
		layers[l.ID] = l
	}
	for _, id := range []string{"carer-k1-c1", "carer-k2-c1", "line-c1-k1", "line-c1-k2", "label-c1-k1"} {
		assert.Contains(t, layers, id)
	}
	assert.NotContains(t, layers, "carer-k2", "unlocated caretakers are only drawn next to a client")

	assert.Regexp(t, regexp.MustCompile(`^\d+\.\dkm$`), layers["label-c1-k2"].Label)
	assert.Equal(t, "0.5km", layers["label-c1-k2"].Label)
	assert.Equal(t, true, layers["carer-k2-c1"].Popup.Fields["synthetic"])

	client := layers["client-c1"]
	require.NotNil(t, client.Popup)
	assert.Equal(t, 2, client.Popup.Fields["totalCarers"])
	assert.Equal(t, 6, client.Popup.Fields["totalVisits"])
}

func layerMap(v *Viewport) map[string]Layer {
	layers := map[string]Layer{}
	for _, l := range v.Layers(false) {
		layers[l.ID] = l
	}
	return layers
}

func TestPoolFillsClientsWithoutCaretakers(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	// c2 and c4 form one group, c3 another; the pool is k1, k2, k3 in cluster order.
	layers := layerMap(f.view)
	for _, id := range []string{"carer-k1-c2", "carer-k2-c4", "carer-k3-c3", "line-c2-k1", "label-c3-k3"} {
		assert.Contains(t, layers, id)
	}
	assert.NotContains(t, layers, "carer-k3", "a pooled caretaker is drawn next to its client")
	assert.Equal(t, true, layers["carer-k1-c2"].Popup.Fields["pooled"])
	assert.Equal(t, true, layers["carer-k2-c4"].Popup.Fields["synthetic"])
	assert.NotContains(t, layers["carer-k1-c1"].Popup.Fields, "pooled")
	assert.Equal(t, 3, f.resolver.Draws())
}

func TestPoolCursorAdvancesAcrossRefreshes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refresh(t)
	f.refresh(t)
	require.Equal(t, 3, f.resolver.Draws(), "an unchanged cluster reuses its draws")

	lat, lng := loc(52.431, -1.891)
	f.backend.AddCarer("b", model.MemberRecord{ID: "k4", FirstName: "Radia", Latitude: lat, Longitude: lng})
	_, err := f.clusters.Select(ctx, "b")
	require.NoError(t, err)
	f.refresh(t)
	assert.Contains(t, layerMap(f.view), "carer-k4-b1")
	assert.Equal(t, 4, f.resolver.Draws())

	_, err = f.clusters.Select(ctx, "a")
	require.NoError(t, err)
	f.refresh(t)
	layers := layerMap(f.view)
	for _, id := range []string{"carer-k2-c2", "carer-k3-c4", "carer-k1-c3"} {
		assert.Contains(t, layers, id)
	}
	assert.Equal(t, 7, f.resolver.Draws())
}

func TestRefreshReusesResolvedBatch(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	first := f.source.calls.Load()
	require.EqualValues(t, 5, first)

	f.refresh(t)
	f.refresh(t)
	assert.Equal(t, first, f.source.calls.Load())

	f.view.now = func() time.Time { return time.Now().Add(DefaultResolveTTL + time.Second) }
	f.refresh(t)
	assert.Equal(t, 2*first, f.source.calls.Load(), "an expired batch is resolved again")
}

func TestRefreshIgnoresMembershipOfAnotherCluster(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	require.Equal(t, 4, f.view.Count(TierDetail, KindClientMarker))

	snap := f.clusters.Snapshot()
	snap.SelectedID = "b"
	f.view.Refresh(context.Background(), snap)

	assert.Zero(t, f.view.Count(TierDetail, KindClientMarker))
	assert.Zero(t, f.view.Count(TierDetail, KindCarerMarker))
	assert.Zero(t, f.view.Count(TierAggregate, KindGroupMarker))
	assert.Equal(t, 2, f.view.Count(TierAggregate, KindClusterMarker))
}

func TestRefreshClearsStaleDetailLayers(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	require.Equal(t, 4, f.view.Count(TierDetail, KindClientMarker))

	_, err := f.clusters.Select(context.Background(), "b")
	require.NoError(t, err)
	d := f.refresh(t)

	assert.Positive(t, d.Removed)
	assert.Equal(t, 1, f.view.Count(TierDetail, KindClientMarker))
	assert.Zero(t, f.view.Count(TierDetail, KindLine))
	for _, l := range f.view.Layers(false) {
		if l.Key.Tier == TierDetail {
			assert.Contains(t, []string{"client-b1"}, l.ID)
		}
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	d := f.refresh(t)
	assert.Equal(t, Diff{}, d)
}

func TestZoomThresholdTogglesTiers(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	assert.Equal(t, TierAggregate, f.view.SetZoom(11.99))
	for _, l := range f.view.Layers(true) {
		assert.Equal(t, TierAggregate, l.Key.Tier, l.ID)
	}

	assert.Equal(t, TierDetail, f.view.SetZoom(12))
	visible := f.view.Layers(true)
	require.NotEmpty(t, visible)
	for _, l := range visible {
		assert.Equal(t, TierDetail, l.Key.Tier, l.ID)
	}
}

func TestFitBoundsAfterDetailRender(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	fit := f.view.LastFit()
	require.NotNil(t, fit)
	assert.Equal(t, 50.0, fit.Padding)
	assert.Equal(t, 15.0, fit.MaxZoom)
	assert.LessOrEqual(t, fit.Zoom, 15.0)
	cam := f.view.Camera()
	assert.Equal(t, fit.Zoom, cam.Zoom)
	assert.True(t, fit.Bounds.Contains(geo.Point(cam.Center)))

	_, err := f.clusters.Select(context.Background(), "b")
	require.NoError(t, err)
	f.refresh(t)
	assert.Equal(t, 15.0, f.view.Camera().Zoom, "a single point fits at max zoom")
}

func TestClick(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe(events.TopicClusters)
	f.refresh(t)

	res, ok := f.view.Click("cluster-a")
	require.True(t, ok)
	assert.Equal(t, "a", res.SelectedCluster)
	assert.Equal(t, ClusterClickZoom, res.Camera.Zoom)
	assert.Equal(t, model.GeoPoint{Lat: 52.44, Lng: -1.88}, res.Camera.Center)
	require.NotNil(t, res.Popup)
	assert.Equal(t, "Moseley", res.Popup.Title)
	assert.Equal(t, TierDetail, f.view.ActiveTier())

	evt := <-sub
	assert.Equal(t, events.ClusterSelected, evt.Type)
	assert.Equal(t, "a", evt.ClusterID)

	res, ok = f.view.Click("client-c1")
	require.True(t, ok)
	assert.Equal(t, EntityClickZoom, res.Camera.Zoom)
	assert.Empty(t, res.SelectedCluster)
	assert.Equal(t, res.Popup, f.view.Popup())

	_, ok = f.view.Click("line-c1-k1")
	assert.False(t, ok)
	_, ok = f.view.Click("nope")
	assert.False(t, ok)
}

func TestFocusCluster(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	require.True(t, f.view.FocusCluster("b"))
	assert.Equal(t, Camera{Center: model.GeoPoint{Lat: 52.43, Lng: -1.89}, Zoom: FocusZoom}, f.view.Camera())
	assert.False(t, f.view.FocusCluster("zzz"))
}

func TestInitialCamera(t *testing.T) {
	v := New(DefaultConfig(), nil)
	assert.Equal(t, Camera{Center: model.GeoPoint{Lat: 53.0, Lng: -1.5}, Zoom: 2}, v.InitialCamera(nil))
	cs := []model.Cluster{{ID: "x", Location: model.GeoPoint{Lat: 51.5, Lng: -0.1}}}
	assert.Equal(t, Camera{Center: cs[0].Location, Zoom: 10}, v.InitialCamera(cs))

	v.Refresh(context.Background(), clusters.Snapshot{Clusters: cs})
	assert.Equal(t, v.InitialCamera(cs), v.Camera())
	cfg := v.Config()
	assert.Equal(t, TierAggregate, cfg.Tier)
	assert.Equal(t, 12.0, cfg.ZoomThreshold)
}

func TestGeoJSONExport(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	f.view.SetZoom(13)

	fc := f.view.GeoJSON(true)
	visible := f.view.Layers(true)
	require.Len(t, fc.Features, len(visible))
	for _, feat := range fc.Features {
		assert.Equal(t, string(TierDetail), feat.Properties["tier"])
		assert.NotEmpty(t, feat.Properties["layer_id"])
	}
	_, err := fc.MarshalJSON()
	require.NoError(t, err)
}

func TestRefreshWithoutResolverDrawsClientsOnly(t *testing.T) {
	f := newFixture(t)
	v := New(DefaultConfig(), nil, WithLogger(zap.NewNop()))
	v.Refresh(context.Background(), f.clusters.Snapshot())

	assert.Equal(t, 4, v.Count(TierDetail, KindClientMarker))
	assert.Zero(t, v.Count(TierDetail, KindLine))
	assert.Equal(t, 2, v.Count(TierDetail, KindCarerMarker), "located cluster caretakers still get markers")
}

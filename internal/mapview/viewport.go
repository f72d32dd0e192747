package mapview

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"caremap/internal/assign"
	"caremap/internal/clusters"
	"caremap/internal/events"
	"caremap/internal/geo"
	"caremap/internal/grouping"
	"caremap/internal/model"
)

const (
	DefaultZoomThreshold = 12.0
	ClusterClickZoom     = 16.0
	EntityClickZoom      = 15.0
	FocusZoom            = 14.0
	InitialZoom          = 10.0
	EmptyZoom            = 2.0
	MinZoom              = 0.0
	MaxZoom              = 22.0

	DefaultResolveTTL = 2 * time.Minute
)

// Config holds the viewport constants.
type Config struct {
	APIKey         string
	ZoomThreshold  float64
	Fallback       model.GeoPoint
	ClusterRadiusM float64
	CirclePoints   int
	GroupLinkKm    float64
	// Width and Height are the assumed surface size in pixels, for bounds fitting.
	Width, Height float64
	FitPadding    float64
	FitMaxZoom    float64
	// ResolveTTL bounds how long a resolved batch is reused for unchanged members.
	// Zero resolves on every refresh.
	ResolveTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		ZoomThreshold:  DefaultZoomThreshold,
		Fallback:       clusters.DefaultFallback,
		ClusterRadiusM: 1000,
		CirclePoints:   64,
		GroupLinkKm:    grouping.DefaultLinkKm,
		Width:          1024,
		Height:         768,
		FitPadding:     50,
		FitMaxZoom:     15,
		ResolveTTL:     DefaultResolveTTL,
	}
}

// Resolver pairs clients with caretakers for the detail tier. Clients left without
// caretakers are filled round-robin from the cluster's caretaker pool.
type Resolver interface {
	ResolveClients(ctx context.Context, clients []model.LocatedEntity) (assign.Batch, error)
	SetPool(pool []model.LocatedEntity)
	FillFromPool(b *assign.Batch, linkKm float64) error
}

type Camera struct {
	Center model.GeoPoint `json:"center"`
	Zoom   float64        `json:"zoom"`
}

// MapConfig is what a UI shell needs to initialise its map surface.
type MapConfig struct {
	APIKey        string         `json:"apiKey"`
	Center        model.GeoPoint `json:"center"`
	Zoom          float64        `json:"zoom"`
	ZoomThreshold float64        `json:"zoomThreshold"`
	Tier          Tier           `json:"tier"`
}

// ClickResult describes how the viewport reacted to a click.
type ClickResult struct {
	LayerID string `json:"layerId"`
	Kind    Kind   `json:"kind"`
	Entity  string `json:"entityId"`
	Camera  Camera `json:"camera"`
	Popup   *Popup `json:"popup,omitempty"`
	// SelectedCluster is set when a cluster marker was clicked.
	SelectedCluster string `json:"selectedCluster,omitempty"`
}

type Option func(*Viewport)

func WithBroker(b events.Broker) Option { return func(v *Viewport) { v.broker = b } }

func WithLogger(l *zap.Logger) Option { return func(v *Viewport) { v.log = l } }

// Viewport renders store snapshots into the layer arena. It never returns errors;
// failures are logged and whatever can be drawn is drawn.
type Viewport struct {
	cfg      Config
	resolver Resolver
	broker   events.Broker
	log      *zap.Logger

	mu          sync.Mutex
	arena       *arena
	camera      Camera
	cameraSet   bool
	popup       *Popup
	detailFor   string // cluster id + client ids the detail tier was built for
	lastFit     *Fit
	refreshSeq  uint64
	appliedSeq  uint64
	lastWarning []error

	now      func() time.Time
	batchKey string
	batch    assign.Batch
	batchAt  time.Time
}

// New creates a Viewport. resolver may be nil, in which case clients are drawn
// without caretakers.
func New(cfg Config, resolver Resolver, opts ...Option) *Viewport {
	if cfg.ZoomThreshold <= 0 {
		cfg.ZoomThreshold = DefaultZoomThreshold
	}
	if cfg.CirclePoints <= 0 {
		cfg.CirclePoints = 64
	}
	v := &Viewport{cfg: cfg, resolver: resolver, arena: newArena(), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.broker == nil {
		v.broker = events.Discard{}
	}
	if v.log == nil {
		v.log = zap.L()
	}
	return v
}

// InitialCamera centres on the first cluster at zoom 10, or on the fallback at zoom 2
// when there are no clusters.
func (v *Viewport) InitialCamera(cs []model.Cluster) Camera {
	if len(cs) == 0 {
		return Camera{Center: v.cfg.Fallback, Zoom: EmptyZoom}
	}
	return Camera{Center: cs[0].Location, Zoom: InitialZoom}
}

// ActiveTier is aggregate below the zoom threshold and detail at or above it.
func (v *Viewport) ActiveTier() Tier {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tierLocked()
}

func (v *Viewport) tierLocked() Tier {
	if v.camera.Zoom < v.cfg.ZoomThreshold {
		return TierAggregate
	}
	return TierDetail
}

// Refresh rebuilds both tiers from snap and reconciles the arena. When the membership
// differs from the last render, stale detail layers are removed and the camera is fitted
// to the new detail coordinates once every caretaker lookup has finished.
func (v *Viewport) Refresh(ctx context.Context, snap clusters.Snapshot) Diff {
	v.mu.Lock()
	v.refreshSeq++
	seq := v.refreshSeq
	if !v.cameraSet {
		v.camera = v.InitialCamera(snap.Clusters)
		v.cameraSet = true
	}
	v.mu.Unlock()

	m := snap.Membership
	if m != nil && m.ClusterID != snap.SelectedID {
		v.log.Debug("membership is not the selected cluster's, detail tier cleared",
			zap.String("cluster_id", m.ClusterID), zap.String("selected_id", snap.SelectedID))
		m = nil
	}

	want := map[Key]*Layer{}
	v.aggregateLayers(snap.Clusters, m, want)

	keep := map[Tier]bool{}
	var fitPoints []model.GeoPoint
	var warnings []error
	signature := detailSignature(m)
	if m != nil {
		batch, err := v.batchFor(ctx, m)
		if err != nil {
			v.log.Warn("detail render skipped", zap.String("cluster_id", m.ClusterID), zap.Error(err))
			keep[TierDetail] = true
		} else {
			v.detailLayers(batch, m.Caretakers, want)
			fitPoints = batch.Points()
			warnings = batch.Warnings
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if seq < v.appliedSeq {
		v.log.Debug("discarding superseded map refresh")
		return Diff{}
	}
	v.appliedSeq = seq

	d := v.arena.reconcile(want, keep)
	if !keep[TierDetail] {
		v.lastWarning = warnings
		if signature != v.detailFor {
			v.detailFor = signature
			if cam, fit, ok := fitCamera(fitPoints, v.cfg.Width, v.cfg.Height, v.cfg.FitPadding, v.cfg.FitMaxZoom); ok {
				v.camera = cam
				v.lastFit = &fit
			}
		}
	}
	v.arena.show(v.tierLocked())
	return d
}

// batchFor returns the resolved batch for m. The last batch is reused while the
// members are unchanged and it is younger than ResolveTTL.
func (v *Viewport) batchFor(ctx context.Context, m *model.Membership) (assign.Batch, error) {
	key := batchKey(m)
	v.mu.Lock()
	if v.batchKey == key && v.cfg.ResolveTTL > 0 && v.now().Sub(v.batchAt) < v.cfg.ResolveTTL {
		b := v.batch
		v.mu.Unlock()
		return b, nil
	}
	v.mu.Unlock()

	b, err := v.resolve(ctx, m)
	if err != nil {
		return assign.Batch{}, err
	}
	v.mu.Lock()
	v.batchKey, v.batch, v.batchAt = key, b, v.now()
	v.mu.Unlock()
	return b, nil
}

func (v *Viewport) resolve(ctx context.Context, m *model.Membership) (assign.Batch, error) {
	if v.resolver == nil {
		return assign.Unresolved(m.Clients), nil
	}
	b, err := v.resolver.ResolveClients(ctx, m.Clients)
	if err != nil {
		return b, err
	}
	v.resolver.SetPool(m.Caretakers)
	if err := v.resolver.FillFromPool(&b, v.cfg.GroupLinkKm); err != nil {
		v.log.Warn("pool assignment failed", zap.String("cluster_id", m.ClusterID), zap.Error(err))
	}
	return b, nil
}

func (v *Viewport) aggregateLayers(cs []model.Cluster, m *model.Membership, want map[Key]*Layer) {
	for _, c := range cs {
		popup := &Popup{Title: c.Name, Fields: map[string]any{
			"postcode":   c.Postcode,
			"clients":    c.ClientCount,
			"caretakers": c.CaretakerCount,
		}}
		add(want, &Layer{
			ID:       "cluster-" + c.ID,
			Key:      Key{EntityID: c.ID, Kind: KindClusterMarker, Tier: TierAggregate},
			Entity:   c.ID,
			Geometry: geo.Point(c.Location),
			Popup:    popup,
		})
		add(want, &Layer{
			ID:       "cluster-" + c.ID + "-boundary",
			Key:      Key{EntityID: c.ID, Kind: KindClusterBoundary, Tier: TierAggregate},
			Entity:   c.ID,
			Geometry: orbPolygon(geo.CirclePolygon(c.Location, v.cfg.ClusterRadiusM, v.cfg.CirclePoints)),
		})
		add(want, &Layer{
			ID:       "cluster-" + c.ID + "-label",
			Key:      Key{EntityID: c.ID, Kind: KindClusterLabel, Tier: TierAggregate},
			Entity:   c.ID,
			Geometry: geo.Point(c.Location),
			Label:    fmt.Sprintf("%s (%d clients, %d carers)", c.Name, c.ClientCount, c.CaretakerCount),
		})
	}

	if m == nil {
		return
	}
	res := grouping.Partition(m.Clients, v.cfg.GroupLinkKm)
	for _, g := range res.Groups {
		seed := g.Members[0].ID
		ids := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			ids = append(ids, m.ID)
		}
		label := fmt.Sprintf("%d clients", len(g.Members))
		add(want, &Layer{
			ID:       "group-" + seed,
			Key:      Key{EntityID: seed, Kind: KindGroupMarker, Tier: TierAggregate},
			Entity:   seed,
			Geometry: geo.Point(g.Centroid),
			Label:    label,
			Popup:    &Popup{Title: label, Fields: map[string]any{"members": strings.Join(ids, ",")}},
		})
	}
}

func (v *Viewport) detailLayers(batch assign.Batch, caretakers []model.LocatedEntity, want map[Key]*Layer) {
	placed := map[string]bool{}
	for _, res := range batch.Resolutions {
		c := res.Client
		add(want, &Layer{
			ID:       "client-" + c.ID,
			Key:      Key{EntityID: c.ID, Kind: KindClientMarker, Tier: TierDetail},
			Entity:   c.ID,
			Geometry: geo.Point(*c.Location),
			Label:    c.Name,
			Popup: &Popup{Title: c.Name, Fields: map[string]any{
				"postcode":    c.Postcode,
				"status":      string(c.Status),
				"totalCarers": res.TotalCarers,
				"totalVisits": res.TotalVisits,
			}},
		})
		for _, a := range res.Assignments {
			pair := a.ClientID + "-" + a.CaretakerID
			placed[a.CaretakerID] = true
			fields := map[string]any{"distance": distanceText(a.DistanceKm), "synthetic": a.Synthetic}
			if a.Pooled {
				fields["pooled"] = true
			}
			if a.DurationMin != nil {
				fields["duration"] = strconv.FormatFloat(*a.DurationMin, 'f', 0, 64) + " min"
			}
			add(want, &Layer{
				ID:       "carer-" + a.CaretakerID + "-" + a.ClientID,
				Key:      Key{EntityID: a.CaretakerID + "@" + a.ClientID, Kind: KindCarerMarker, Tier: TierDetail},
				Entity:   a.CaretakerID,
				Geometry: geo.Point(a.CaretakerLocation),
				Label:    a.CaretakerName,
				Popup:    &Popup{Title: a.CaretakerName, Fields: fields},
			})
			add(want, &Layer{
				ID:       "line-" + pair,
				Key:      Key{EntityID: pair, Kind: KindLine, Tier: TierDetail},
				Entity:   pair,
				Geometry: lineString(a.ClientLocation, a.CaretakerLocation),
			})
			add(want, &Layer{
				ID:       "label-" + pair,
				Key:      Key{EntityID: pair, Kind: KindDistanceLabel, Tier: TierDetail},
				Entity:   pair,
				Geometry: geo.Point(geo.Midpoint(a.ClientLocation, a.CaretakerLocation)),
				Label:    distanceText(a.DistanceKm),
			})
		}
	}
	// Cluster caretakers not linked to any drawn client still get a marker of their own.
	for _, ct := range caretakers {
		if placed[ct.ID] || !ct.Located() {
			continue
		}
		add(want, &Layer{
			ID:       "carer-" + ct.ID,
			Key:      Key{EntityID: ct.ID, Kind: KindCarerMarker, Tier: TierDetail},
			Entity:   ct.ID,
			Geometry: geo.Point(*ct.Location),
			Label:    ct.Name,
			Popup:    &Popup{Title: ct.Name, Fields: map[string]any{"postcode": ct.Postcode, "status": string(ct.Status)}},
		})
	}
}

// SetZoom moves the camera zoom and flips tier visibility when the threshold is crossed.
func (v *Viewport) SetZoom(z float64) Tier {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cameraSet = true
	before := v.tierLocked()
	v.camera.Zoom = clampZoom(z)
	after := v.tierLocked()
	if before != after {
		v.arena.show(after)
	}
	return after
}

// Click re-centres on the clicked entity and opens its popup. Cluster markers fly to
// zoom 16 and emit cluster.selected; client and caretaker markers fly to zoom 15.
// It reports false for unknown or non-clickable layers.
func (v *Viewport) Click(layerID string) (ClickResult, bool) {
	v.mu.Lock()
	l, ok := v.arena.get(layerID)
	if !ok || !l.Clickable() {
		v.mu.Unlock()
		return ClickResult{}, false
	}
	center := geo.FromPoint(l.Geometry.Bound().Center())
	zoom := EntityClickZoom
	if l.Key.Kind == KindClusterMarker {
		zoom = ClusterClickZoom
	} else if l.Key.Kind == KindGroupMarker {
		zoom = v.cfg.ZoomThreshold
	}
	v.camera = Camera{Center: center, Zoom: zoom}
	v.cameraSet = true
	v.popup = l.Popup
	v.arena.show(v.tierLocked())
	res := ClickResult{LayerID: l.ID, Kind: l.Key.Kind, Entity: l.Entity, Camera: v.camera, Popup: l.Popup}
	v.mu.Unlock()

	if res.Kind == KindClusterMarker {
		res.SelectedCluster = res.Entity
		v.broker.Publish(events.TopicClusters, events.Event{
			Type:      events.ClusterSelected,
			ClusterID: res.Entity,
			Data:      map[string]any{"source": "map"},
		})
	}
	return res, true
}

// FocusCluster centres on a cluster selected outside the map at zoom 14.
func (v *Viewport) FocusCluster(clusterID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.arena.layers[Key{EntityID: clusterID, Kind: KindClusterMarker, Tier: TierAggregate}]
	if !ok {
		return false
	}
	v.camera = Camera{Center: geo.FromPoint(l.Geometry.Bound().Center()), Zoom: FocusZoom}
	v.cameraSet = true
	v.popup = l.Popup
	v.arena.show(v.tierLocked())
	return true
}

// Follow refreshes on every snapshot until updates closes or ctx ends.
func (v *Viewport) Follow(ctx context.Context, updates <-chan clusters.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			v.Refresh(ctx, snap)
		}
	}
}

func (v *Viewport) Camera() Camera {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.camera
}

// Popup returns the open popup, if any.
func (v *Viewport) Popup() *Popup {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.popup
}

// LastFit returns the most recent bounds fit, if any.
func (v *Viewport) LastFit() *Fit {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastFit
}

// Warnings returns the per-client warnings of the last detail render.
func (v *Viewport) Warnings() []error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]error(nil), v.lastWarning...)
}

// Layers returns the arena sorted by layer id.
func (v *Viewport) Layers(visibleOnly bool) []Layer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.arena.list(visibleOnly)
}

// Count returns how many layers of kind exist in tier.
func (v *Viewport) Count(tier Tier, kind Kind) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.arena.count(tier, kind)
}

func (v *Viewport) Config() MapConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return MapConfig{
		APIKey:        v.cfg.APIKey,
		Center:        v.camera.Center,
		Zoom:          v.camera.Zoom,
		ZoomThreshold: v.cfg.ZoomThreshold,
		Tier:          v.tierLocked(),
	}
}

func add(want map[Key]*Layer, l *Layer) { want[l.Key] = l }

func distanceText(km float64) string { return fmt.Sprintf("%.1fkm", km) }

func clampZoom(z float64) float64 {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// detailSignature identifies the client set a detail render is for.
func detailSignature(m *model.Membership) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.ClusterID)
	for _, c := range m.Clients {
		b.WriteByte('|')
		b.WriteString(c.ID)
	}
	return b.String()
}

// batchKey identifies the members a resolved batch is for.
func batchKey(m *model.Membership) string {
	var b strings.Builder
	b.WriteString(detailSignature(m))
	b.WriteByte('#')
	for _, c := range m.Caretakers {
		b.WriteString(c.ID)
		b.WriteByte('|')
	}
	return b.String()
}

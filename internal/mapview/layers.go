// Package mapview keeps the two-tier map layer arena for the cluster map: aggregate
// cluster markers below the zoom threshold, per-entity detail markers at or above it.
package mapview

import (
	"reflect"
	"sort"

	"github.com/paulmach/orb"
)

// Tier is the rendering resolution a layer belongs to.
type Tier string

const (
	TierAggregate Tier = "aggregate"
	TierDetail    Tier = "detail"
)

// Kind is what a layer draws.
type Kind string

const (
	KindClusterMarker   Kind = "cluster"
	KindClusterBoundary Kind = "cluster_boundary"
	KindClusterLabel    Kind = "cluster_label"
	KindGroupMarker     Kind = "group"
	KindClientMarker    Kind = "client"
	KindCarerMarker     Kind = "caretaker"
	KindLine            Kind = "line"
	KindDistanceLabel   Kind = "distance_label"
)

// Key identifies a layer handle in the arena. EntityID is unique per kind and tier; for
// placed caretakers and lines it combines the caretaker and client ids.
type Key struct {
	EntityID string
	Kind     Kind
	Tier     Tier
}

type Popup struct {
	Title  string         `json:"title"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Layer is one drawn marker, boundary, line or label.
type Layer struct {
	ID       string       `json:"id"`
	Key      Key          `json:"-"`
	Entity   string       `json:"entityId"`
	Geometry orb.Geometry `json:"-"`
	Label    string       `json:"label,omitempty"`
	Popup    *Popup       `json:"popup,omitempty"`
	Visible  bool         `json:"visible"`
}

// Clickable reports whether clicking the layer focuses an entity.
func (l *Layer) Clickable() bool {
	switch l.Key.Kind {
	case KindClusterMarker, KindClientMarker, KindCarerMarker, KindGroupMarker:
		return true
	}
	return false
}

// Diff counts what a reconcile pass changed.
type Diff struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// arena holds the live layer handles.
type arena struct {
	layers map[Key]*Layer
	byID   map[string]Key
}

func newArena() *arena {
	return &arena{layers: map[Key]*Layer{}, byID: map[string]Key{}}
}

// reconcile makes the arena hold exactly want. Handles missing from want are removed;
// tiers listed in keep are left untouched.
func (a *arena) reconcile(want map[Key]*Layer, keep map[Tier]bool) Diff {
	var d Diff
	for k, l := range a.layers {
		if keep[k.Tier] {
			continue
		}
		if _, ok := want[k]; !ok {
			delete(a.layers, k)
			delete(a.byID, l.ID)
			d.Removed++
		}
	}
	for k, l := range want {
		if keep[k.Tier] {
			continue
		}
		old, ok := a.layers[k]
		switch {
		case !ok:
			d.Added++
		case !sameLayer(old, l):
			d.Updated++
			if old.ID != l.ID {
				delete(a.byID, old.ID)
			}
		default:
			continue
		}
		a.layers[k] = l
		a.byID[l.ID] = k
	}
	return d
}

// show sets visibility in a single pass over the arena.
func (a *arena) show(active Tier) {
	for _, l := range a.layers {
		l.Visible = l.Key.Tier == active
	}
}

func (a *arena) get(id string) (*Layer, bool) {
	k, ok := a.byID[id]
	if !ok {
		return nil, false
	}
	l, ok := a.layers[k]
	return l, ok
}

// list returns copies of the layers sorted by id, optionally only the visible ones.
func (a *arena) list(visibleOnly bool) []Layer {
	out := make([]Layer, 0, len(a.layers))
	for _, l := range a.layers {
		if visibleOnly && !l.Visible {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *arena) count(tier Tier, kind Kind) int {
	n := 0
	for k := range a.layers {
		if k.Tier == tier && k.Kind == kind {
			n++
		}
	}
	return n
}

func sameLayer(a, b *Layer) bool {
	return a.ID == b.ID && a.Entity == b.Entity && a.Label == b.Label &&
		reflect.DeepEqual(a.Geometry, b.Geometry) && reflect.DeepEqual(a.Popup, b.Popup)
}

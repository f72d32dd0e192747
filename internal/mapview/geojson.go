package mapview

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"caremap/internal/geo"
	"caremap/internal/model"
)

// GeoJSON exports the layers as a FeatureCollection. Each feature carries layer_id, kind,
// tier, entity_id, label and the popup fields as properties.
func (v *Viewport) GeoJSON(visibleOnly bool) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range v.Layers(visibleOnly) {
		f := geojson.NewFeature(l.Geometry)
		f.ID = l.ID
		f.Properties["layer_id"] = l.ID
		f.Properties["kind"] = string(l.Key.Kind)
		f.Properties["tier"] = string(l.Key.Tier)
		f.Properties["entity_id"] = l.Entity
		f.Properties["visible"] = l.Visible
		if l.Label != "" {
			f.Properties["label"] = l.Label
		}
		if l.Popup != nil {
			f.Properties["title"] = l.Popup.Title
			for k, val := range l.Popup.Fields {
				f.Properties[k] = val
			}
		}
		fc.Append(f)
	}
	return fc
}

func orbPolygon(ring orb.Ring) orb.Polygon { return orb.Polygon{ring} }

func lineString(a, b model.GeoPoint) orb.LineString {
	return orb.LineString{geo.Point(a), geo.Point(b)}
}

// Package grouping partitions located entities into proximity groups by single-link
// (chain) closeness.
package grouping

import (
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"

	"caremap/internal/geo"
	"caremap/internal/metrics"
	"caremap/internal/model"
)

// DefaultLinkKm is the linking distance used for aggregate rendering.
const DefaultLinkKm = 1.0

const (
	kmPerDegLat = 111.32
	pointTol    = 1e-9
	// slack widens search boxes so float rounding never hides a neighbour sitting exactly at the link distance.
	slack = 1.01
)

// Result carries the groups and the entities that could not be placed.
type Result struct {
	Groups   []model.ProximityGroup
	Unplaced []model.LocatedEntity
}

type node struct {
	idx  int
	rect rtreego.Rect
}

func (n *node) Bounds() rtreego.Rect { return n.rect }

// Group returns the proximity groups of entities. Entities without a coordinate are
// dropped; use Partition to get them back.
func Group(entities []model.LocatedEntity, maxLinkKm float64) []model.ProximityGroup {
	return Partition(entities, maxLinkKm).Groups
}

// Partition seeds a group with the first unplaced entity in input order and grows it
// with every unplaced entity within maxLinkKm of any member until nothing new joins.
// Members keep their input order; groups are emitted in seed order.
func Partition(entities []model.LocatedEntity, maxLinkKm float64) Result {
	var res Result
	if maxLinkKm < 0 || math.IsNaN(maxLinkKm) {
		maxLinkKm = 0
	}

	tree := rtreego.NewTree(2, 25, 50)
	for i, e := range entities {
		if !e.Located() {
			res.Unplaced = append(res.Unplaced, e)
			continue
		}
		tree.Insert(&node{idx: i, rect: rtreego.Point{e.Location.Lng, e.Location.Lat}.ToRect(pointTol)})
	}

	placed := make([]bool, len(entities))
	for seed, e := range entities {
		if !e.Located() || placed[seed] {
			continue
		}
		placed[seed] = true
		members := []int{seed}
		for frontier := []int{seed}; len(frontier) > 0; {
			cur := frontier[0]
			frontier = frontier[1:]
			from := *entities[cur].Location
			for _, box := range searchBoxes(from, maxLinkKm) {
				for _, s := range tree.SearchIntersect(box) {
					j := s.(*node).idx
					if placed[j] || geo.Distance(from, *entities[j].Location) > maxLinkKm {
						continue
					}
					placed[j] = true
					members = append(members, j)
					frontier = append(frontier, j)
				}
			}
		}
		sort.Ints(members)
		res.Groups = append(res.Groups, newGroup(entities, members))
	}
	metrics.GroupsComputed.Add(float64(len(res.Groups)))
	return res
}

func newGroup(entities []model.LocatedEntity, idx []int) model.ProximityGroup {
	g := model.ProximityGroup{Members: make([]model.LocatedEntity, 0, len(idx))}
	pts := make([]model.GeoPoint, 0, len(idx))
	for _, i := range idx {
		g.Members = append(g.Members, entities[i])
		pts = append(pts, *entities[i].Location)
	}
	g.Centroid = geo.Centroid(pts)
	return g
}

// searchBoxes returns lon/lat boxes covering every point within km of p, split in two
// when the box crosses the antimeridian.
func searchBoxes(p model.GeoPoint, km float64) []rtreego.Rect {
	dLat := km / kmPerDegLat * slack
	minLat, maxLat := p.Lat-dLat, p.Lat+dLat

	var dLng float64
	// Longitude degrees shrink towards the poles, so size the box at the poleward edge.
	cos := math.Cos(math.Max(math.Abs(minLat), math.Abs(maxLat)) * math.Pi / 180)
	if minLat <= -90 || maxLat >= 90 || cos < 1e-6 {
		dLng = 180
	} else {
		dLng = math.Min(180, km/(kmPerDegLat*cos)*slack)
	}
	minLat, maxLat = math.Max(minLat, -90)-pointTol, math.Min(maxLat, 90)+pointTol

	minLng, maxLng := p.Lng-dLng-pointTol, p.Lng+dLng+pointTol
	boxes := []rtreego.Rect{mustRect(minLng, minLat, maxLng, maxLat)}
	if minLng < -180 {
		boxes = append(boxes, mustRect(minLng+360, minLat, 180+pointTol, maxLat))
	}
	if maxLng > 180 {
		boxes = append(boxes, mustRect(-180-pointTol, minLat, maxLng-360, maxLat))
	}
	return boxes
}

func mustRect(minLng, minLat, maxLng, maxLat float64) rtreego.Rect {
	r, err := rtreego.NewRectFromPoints(rtreego.Point{minLng, minLat}, rtreego.Point{maxLng, maxLat})
	if err != nil {
		// Both points are always two-dimensional.
		panic(err)
	}
	return r
}

package grouping

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caremap/internal/geo"
	"caremap/internal/model"
)

func located(id string, lat, lng float64) model.LocatedEntity {
	return model.LocatedEntity{ID: id, Kind: model.KindClient, Location: &model.GeoPoint{Lat: lat, Lng: lng}}
}

func ids(g model.ProximityGroup) []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.ID)
	}
	return out
}

func TestTwoPairsAndAnIsolatedPoint(t *testing.T) {
	base := model.GeoPoint{Lat: 52.48, Lng: -1.89}
	a2 := geo.OffsetPoint(base, 90, 200)
	b1 := geo.OffsetPoint(base, 0, 5000)
	b2 := geo.OffsetPoint(b1, 90, 200)
	far := geo.OffsetPoint(base, 180, 50000)

	entities := []model.LocatedEntity{
		located("a1", base.Lat, base.Lng),
		located("b1", b1.Lat, b1.Lng),
		located("far", far.Lat, far.Lng),
		located("a2", a2.Lat, a2.Lng),
		located("b2", b2.Lat, b2.Lng),
	}

	groups := Group(entities, 1)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"a1", "a2"}, ids(groups[0]))
	assert.Equal(t, []string{"b1", "b2"}, ids(groups[1]))
	assert.Equal(t, []string{"far"}, ids(groups[2]))
}

func TestChainLinksTransitively(t *testing.T) {
	// Each hop is 0.9 km, the ends are 2.7 km apart.
	p0 := model.GeoPoint{Lat: 51.5, Lng: -0.12}
	p1 := geo.OffsetPoint(p0, 90, 900)
	p2 := geo.OffsetPoint(p1, 90, 900)
	p3 := geo.OffsetPoint(p2, 90, 900)
	entities := []model.LocatedEntity{
		located("end", p3.Lat, p3.Lng),
		located("start", p0.Lat, p0.Lng),
		located("mid2", p2.Lat, p2.Lng),
		located("mid1", p1.Lat, p1.Lng),
	}

	groups := Group(entities, 1)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"end", "start", "mid2", "mid1"}, ids(groups[0]))
}

func TestUnlocatedEntitiesAreSurfaced(t *testing.T) {
	entities := []model.LocatedEntity{
		located("a", 52.0, -1.0),
		{ID: "ghost", Kind: model.KindClient},
		located("b", 52.0001, -1.0),
	}
	res := Partition(entities, 1)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, []string{"a", "b"}, ids(res.Groups[0]))
	require.Len(t, res.Unplaced, 1)
	assert.Equal(t, "ghost", res.Unplaced[0].ID)
}

func TestEmptyInput(t *testing.T) {
	assert.Empty(t, Group(nil, 1))
}

func TestZeroDistanceOnlyJoinsIdenticalPoints(t *testing.T) {
	entities := []model.LocatedEntity{
		located("a", 52.0, -1.0),
		located("b", 52.0, -1.0),
		located("c", 52.00001, -1.0),
	}
	groups := Group(entities, 0)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, ids(groups[0]))
	assert.Equal(t, []string{"c"}, ids(groups[1]))
}

func TestGroupsAcrossAntimeridian(t *testing.T) {
	entities := []model.LocatedEntity{
		located("west", -17.0, 179.999),
		located("east", -17.0, -179.999),
	}
	groups := Group(entities, 1)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

// Compares against a brute-force connected-components pass on random data.
func TestPartitionMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		var entities []model.LocatedEntity
		for i := 0; i < 60; i++ {
			if rng.Intn(10) == 0 {
				entities = append(entities, model.LocatedEntity{ID: fmt.Sprintf("n%d", i)})
				continue
			}
			entities = append(entities, located(fmt.Sprintf("e%d", i), 52+rng.Float64()*0.1, -1.9+rng.Float64()*0.15))
		}
		d := 0.5 + rng.Float64()

		got := Partition(entities, d)
		want := bruteForce(entities, d)
		require.Len(t, got.Groups, len(want), "round %d", round)

		seen := map[string]bool{}
		for gi, g := range got.Groups {
			assert.Equal(t, want[gi], ids(g), "round %d group %d", round, gi)
			for _, m := range g.Members {
				assert.False(t, seen[m.ID], "entity %s in two groups", m.ID)
				seen[m.ID] = true
			}
		}
		assert.Equal(t, len(entities)-len(got.Unplaced), len(seen))
	}
}

func bruteForce(entities []model.LocatedEntity, d float64) [][]string {
	placed := make([]bool, len(entities))
	var out [][]string
	for i, e := range entities {
		if !e.Located() || placed[i] {
			continue
		}
		placed[i] = true
		group := []int{i}
		for added := true; added; {
			added = false
			for j, c := range entities {
				if placed[j] || !c.Located() {
					continue
				}
				for _, m := range group {
					if geo.Distance(*entities[m].Location, *c.Location) <= d {
						placed[j] = true
						group = append(group, j)
						added = true
						break
					}
				}
			}
		}
		var names []string
		for j := range entities {
			for _, m := range group {
				if m == j {
					names = append(names, entities[j].ID)
				}
			}
		}
		out = append(out, names)
	}
	return out
}

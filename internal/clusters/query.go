package clusters

import (
	"sort"
	"strings"

	"caremap/internal/model"
)

// Filter returns the clusters whose name, description or postcode contains search and,
// when postcode is set, whose postcode equals it. Both match case-insensitively.
func (s *Store) Filter(search, postcode string) []model.Cluster {
	search = strings.ToLower(strings.TrimSpace(search))
	postcode = strings.ToLower(strings.TrimSpace(postcode))

	var out []model.Cluster
	for _, c := range s.Clusters() {
		if postcode != "" && strings.ToLower(c.Postcode) != postcode {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Name), search) &&
			!strings.Contains(strings.ToLower(c.Description), search) &&
			!strings.Contains(strings.ToLower(c.Postcode), search) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Postcodes returns the distinct non-empty cluster postcodes, sorted.
func (s *Store) Postcodes() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range s.Clusters() {
		if c.Postcode == "" || seen[c.Postcode] {
			continue
		}
		seen[c.Postcode] = true
		out = append(out, c.Postcode)
	}
	sort.Strings(out)
	return out
}

// State reports the lifecycle state of clusterID. Unknown ids are Draft.
func (s *Store) State(clusterID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[clusterID]; ok {
		return st
	}
	return StateDraft
}

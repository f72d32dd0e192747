package store

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"caremap/internal/model"
)

// Seed is the YAML fixture format for the in-memory backend.
type Seed struct {
	Clusters []SeedCluster `yaml:"clusters"`
	Clients  []SeedMember  `yaml:"clients"`
	Carers   []SeedMember  `yaml:"carers"`
}

type SeedCluster struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Postcode         string   `yaml:"postcode"`
	Description      string   `yaml:"description"`
	Location         string   `yaml:"location"`
	Lat              *float64 `yaml:"lat"`
	Lng              *float64 `yaml:"lng"`
	AverageMatchTime string   `yaml:"averageMatchTime"`
}

type SeedMember struct {
	ID        string   `yaml:"id"`
	Cluster   string   `yaml:"cluster"`
	FirstName string   `yaml:"firstName"`
	LastName  string   `yaml:"lastName"`
	Postcode  string   `yaml:"postcode"`
	Address   string   `yaml:"address"`
	Status    string   `yaml:"status"`
	Lat       *float64 `yaml:"lat"`
	Lng       *float64 `yaml:"lng"`
	StartTime string   `yaml:"startTime"`
	EndTime   string   `yaml:"endTime"`
	// Clients only: caretakers on the care plan and its visit count.
	Carers []string `yaml:"carers"`
	Visits int      `yaml:"visits"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, eris.Wrapf(err, "store: read seed %s", path)
	}
	return ParseSeed(b)
}

func ParseSeed(b []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, eris.Wrap(err, "store: parse seed")
	}
	return s, nil
}

// Apply loads the seed into m. Care-plan links are added after every caretaker exists.
func (s Seed) Apply(m *Memory) {
	for _, c := range s.Clusters {
		rec := model.ClusterRecord{
			ID:          model.FlexID(c.ID),
			Name:        c.Name,
			Postcode:    c.Postcode,
			Description: c.Description,
			Location:    c.Location,
			Latitude:    optFloat(c.Lat),
			Longitude:   optFloat(c.Lng),
		}
		if c.AverageMatchTime != "" {
			avg := c.AverageMatchTime
			rec.AverageMatchTime = &avg
		}
		m.AddCluster(rec)
	}
	for _, k := range s.Carers {
		m.AddCarer(k.Cluster, k.record())
	}
	for _, c := range s.Clients {
		id := m.AddClient(c.Cluster, c.record())
		m.LinkCarers(id, c.Carers...)
		m.SetVisits(id, c.Visits)
	}
}

func (sm SeedMember) record() model.MemberRecord {
	return model.MemberRecord{
		ID:        model.FlexID(sm.ID),
		FirstName: sm.FirstName,
		LastName:  sm.LastName,
		Postcode:  sm.Postcode,
		Address:   sm.Address,
		Status:    sm.Status,
		Latitude:  optFloat(sm.Lat),
		Longitude: optFloat(sm.Lng),
		StartTime: sm.StartTime,
		EndTime:   sm.EndTime,
	}
}

func optFloat(p *float64) model.OptFloat {
	if p == nil {
		return model.OptFloat{}
	}
	return model.Float(*p)
}

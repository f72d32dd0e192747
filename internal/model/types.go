package model

// Core domain types shared by the grouping, assignment and map packages.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MemberKind distinguishes the two kinds of cluster members.
type MemberKind string

const (
	KindClient    MemberKind = "client"
	KindCaretaker MemberKind = "caretaker"
)

// ParseMemberKind accepts the singular and plural spellings used by the backend.
func ParseMemberKind(s string) (MemberKind, bool) {
	switch s {
	case "client", "clients":
		return KindClient, true
	case "caretaker", "caretakers", "carer", "carers":
		return KindCaretaker, true
	}
	return "", false
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// LocatedEntity is the normalised shape of a client or caretaker.
// Location is nil when the backend had no usable coordinate.
type LocatedEntity struct {
	ID       string      `json:"id"`
	Kind     MemberKind  `json:"kind"`
	Name     string      `json:"name"`
	Postcode string      `json:"postcode,omitempty"`
	Address  string      `json:"address,omitempty"`
	Location *GeoPoint   `json:"location"`
	Status   Status      `json:"status"`
	Window   *TimeWindow `json:"window,omitempty"` // visit window for clients, shift for caretakers
}

func (e LocatedEntity) Located() bool { return e.Location != nil }

type Cluster struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Postcode         string   `json:"postcode"`
	Region           string   `json:"region,omitempty"`
	Location         GeoPoint `json:"location"`
	ClientIDs        []string `json:"clientIds,omitempty"`
	CaretakerIDs     []string `json:"caretakerIds,omitempty"`
	ClientCount      int      `json:"clientCount"`
	CaretakerCount   int      `json:"caretakerCount"`
	AverageMatchTime string   `json:"averageMatchTime"`
}

// ClusterSpec is the input to a create command.
type ClusterSpec struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Postcode    string    `json:"postcode"`
	Region      string    `json:"region,omitempty"`
	Location    *GeoPoint `json:"location"`
	ClientIDs   []string  `json:"clientIds,omitempty"`
}

// ClusterPatch is the input to an update command. Nil Location keeps the current one.
type ClusterPatch struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Postcode    string    `json:"postcode"`
	Region      string    `json:"region,omitempty"`
	Location    *GeoPoint `json:"location,omitempty"`
}

// ProximityGroup is recomputed on every grouping call and never stored.
type ProximityGroup struct {
	Members  []LocatedEntity `json:"members"`
	Centroid GeoPoint        `json:"centroid"`
}

// Assignment pairs one client with one caretaker for rendering.
type Assignment struct {
	ClientID          string   `json:"clientId"`
	CaretakerID       string   `json:"caretakerId"`
	CaretakerName     string   `json:"caretakerName"`
	ClientLocation    GeoPoint `json:"clientLocation"`
	CaretakerLocation GeoPoint `json:"caretakerLocation"`
	Synthetic         bool     `json:"synthetic"`
	Pooled            bool     `json:"pooled,omitempty"` // drawn round-robin from the cluster pool
	DistanceKm        float64  `json:"distanceKm"`
	DurationMin       *float64 `json:"durationMin,omitempty"`
}

// Membership is the loaded member set of one cluster.
type Membership struct {
	ClusterID  string          `json:"clusterId"`
	Clients    []LocatedEntity `json:"clients"`
	Caretakers []LocatedEntity `json:"caretakers"`
}

func (m Membership) Size() int { return len(m.Clients) + len(m.Caretakers) }

package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"caremap/internal/geo"
	"caremap/internal/model"
)

// Memory is an in-memory cluster service used when no database or remote backend is configured.
type Memory struct {
	mu       sync.Mutex
	clusters map[string]model.ClusterRecord // id -> cluster
	order    []string                       // cluster ids in creation order
	clients  map[string]*memMember          // id -> client
	carers   map[string]*memMember          // id -> caretaker
	plans    map[string][]string            // client id -> caretaker ids
	visits   map[string]int                 // client id -> visit count
	seq      int
}

type memMember struct {
	rec       model.MemberRecord
	clusterID string
	order     int
}

func NewMemory() *Memory {
	return &Memory{
		clusters: map[string]model.ClusterRecord{},
		clients:  map[string]*memMember{},
		carers:   map[string]*memMember{},
		plans:    map[string][]string{},
		visits:   map[string]int{},
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) ListClusters(ctx context.Context) ([]model.ClusterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ClusterRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.withCounts(m.clusters[id]))
	}
	return out, nil
}

func (m *Memory) CreateCluster(ctx context.Context, w model.ClusterWrite) (model.ClusterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(w.Name, "") {
		return model.ClusterRecord{}, ErrConflict
	}
	id := uuid.New().String()
	rec := recordFromWrite(id, w)
	m.clusters[id] = rec
	m.order = append(m.order, id)
	return rec, nil
}

func (m *Memory) UpdateCluster(ctx context.Context, clusterID string, w model.ClusterWrite) (model.ClusterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.clusters[clusterID]
	if !ok {
		return model.ClusterRecord{}, ErrNotFound
	}
	if m.nameTaken(w.Name, clusterID) {
		return model.ClusterRecord{}, ErrConflict
	}
	rec := recordFromWrite(clusterID, w)
	rec.AverageMatchTime = old.AverageMatchTime
	m.clusters[clusterID] = rec
	return m.withCounts(rec), nil
}

// DeleteCluster removes the cluster and detaches any members still pointing at it.
func (m *Memory) DeleteCluster(ctx context.Context, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[clusterID]; !ok {
		return ErrNotFound
	}
	delete(m.clusters, clusterID)
	for i, id := range m.order {
		if id == clusterID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for _, set := range []map[string]*memMember{m.clients, m.carers} {
		for _, mm := range set {
			if mm.clusterID == clusterID {
				mm.clusterID = ""
			}
		}
	}
	return nil
}

func (m *Memory) GetClusterClients(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	return m.members(m.clients, clusterID)
}

func (m *Memory) GetClusterCaretakers(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	return m.members(m.carers, clusterID)
}

func (m *Memory) AssignClientToCluster(ctx context.Context, clusterID, clientID string) error {
	return m.assign(m.clients, clusterID, clientID)
}

func (m *Memory) AssignCarerToCluster(ctx context.Context, clusterID, carerID string) error {
	return m.assign(m.carers, clusterID, carerID)
}

func (m *Memory) UpdateMemberAddress(ctx context.Context, clusterID string, kind model.MemberKind, memberID string, addr model.MemberAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.clients
	if kind == model.KindCaretaker {
		set = m.carers
	}
	mm, ok := set[memberID]
	if !ok || mm.clusterID != clusterID {
		return ErrNotFound
	}
	mm.rec.Postcode = addr.Postcode
	mm.rec.Address = addr.Address
	return nil
}

// GetClientCaretakers returns the client's care plan. Distances are straight-line;
// duration is left to a routing service and stays empty here.
func (m *Memory) GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return model.ClientCaretakers{}, ErrNotFound
	}
	out := model.ClientCaretakers{
		ClientLatitude:  c.rec.Latitude,
		ClientLongitude: c.rec.Longitude,
		ClientPostcode:  c.rec.Postcode,
		TotalVisits:     m.visits[clientID],
		Carers:          []model.CarerRecord{},
	}
	from := model.PointFrom(c.rec.Latitude, c.rec.Longitude)
	for _, id := range m.plans[clientID] {
		k, ok := m.carers[id]
		if !ok {
			continue
		}
		cr := model.CarerRecord{
			ID:        k.rec.ID,
			FirstName: k.rec.FirstName,
			LastName:  k.rec.LastName,
			Latitude:  k.rec.Latitude,
			Longitude: k.rec.Longitude,
		}
		if to := model.PointFrom(k.rec.Latitude, k.rec.Longitude); from != nil && to != nil {
			cr.Distance = model.Float(geo.Distance(*from, *to))
		}
		out.Carers = append(out.Carers, cr)
	}
	out.TotalCarers = len(out.Carers)
	return out, nil
}

// AddCluster registers a cluster record as is. An empty id is minted.
func (m *Memory) AddCluster(rec model.ClusterRecord) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = model.FlexID(uuid.New().String())
	}
	id := rec.ID.String()
	if _, ok := m.clusters[id]; !ok {
		m.order = append(m.order, id)
	}
	m.clusters[id] = rec
	return id
}

// AddClient registers a client in clusterID ("" for none). An empty id is minted.
func (m *Memory) AddClient(clusterID string, rec model.MemberRecord) string {
	return m.add(m.clients, clusterID, rec)
}

// AddCarer registers a caretaker in clusterID ("" for none). An empty id is minted.
func (m *Memory) AddCarer(clusterID string, rec model.MemberRecord) string {
	return m.add(m.carers, clusterID, rec)
}

// LinkCarers attaches caretakers to a client's care plan.
func (m *Memory) LinkCarers(clientID string, carerIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[clientID] = append(m.plans[clientID], carerIDs...)
}

// SetVisits records how many visits the client's care plan holds.
func (m *Memory) SetVisits(clientID string, visits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits[clientID] = visits
}

func (m *Memory) add(set map[string]*memMember, clusterID string, rec model.MemberRecord) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = model.FlexID(uuid.New().String())
	}
	m.seq++
	set[rec.ID.String()] = &memMember{rec: rec, clusterID: clusterID, order: m.seq}
	return rec.ID.String()
}

func (m *Memory) members(set map[string]*memMember, clusterID string) ([]model.MemberRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[clusterID]; !ok {
		return nil, ErrNotFound
	}
	var picked []*memMember
	for _, mm := range set {
		if mm.clusterID == clusterID {
			picked = append(picked, mm)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].order < picked[j].order })
	out := make([]model.MemberRecord, 0, len(picked))
	for _, mm := range picked {
		out = append(out, mm.rec)
	}
	return out, nil
}

func (m *Memory) assign(set map[string]*memMember, clusterID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[clusterID]; !ok {
		return ErrNotFound
	}
	mm, ok := set[memberID]
	if !ok {
		return ErrNotFound
	}
	mm.clusterID = clusterID
	return nil
}

func (m *Memory) withCounts(rec model.ClusterRecord) model.ClusterRecord {
	id := rec.ID.String()
	rec.TotalRequestCount, rec.TotalCarerCount = 0, 0
	for _, mm := range m.clients {
		if mm.clusterID == id {
			rec.TotalRequestCount++
		}
	}
	for _, mm := range m.carers {
		if mm.clusterID == id {
			rec.TotalCarerCount++
		}
	}
	return rec
}

func (m *Memory) nameTaken(name, except string) bool {
	for id, c := range m.clusters {
		if id != except && strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

func recordFromWrite(id string, w model.ClusterWrite) model.ClusterRecord {
	return model.ClusterRecord{
		ID:          model.FlexID(id),
		Name:        w.Name,
		Postcode:    w.Postcode,
		Description: w.Description,
		Location:    w.Location,
		Latitude:    w.Latitude,
		Longitude:   w.Longitude,
	}
}

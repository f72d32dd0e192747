// Package clusters owns the cluster list, the active selection and its membership. Every
// mutation goes through the command methods so the deletion invariant holds.
package clusters

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"caremap/internal/events"
	"caremap/internal/metrics"
	"caremap/internal/model"
	"caremap/internal/store"
	"caremap/internal/tracing"
)

// State is the lifecycle state of one cluster.
type State string

const (
	StateDraft    State = "draft"
	StateActive   State = "active"
	StateDeleting State = "deleting"
	StateDeleted  State = "deleted"
)

// DefaultFallback is where clusters without a coordinate are anchored.
var DefaultFallback = model.GeoPoint{Lat: 53.0, Lng: -1.5}

// ErrStale is returned by Select when another selection superseded it before its
// membership arrived. The fetched membership was not applied.
var ErrStale = eris.New("clusters: selection changed while loading")

// Snapshot is a read-only view of the store. Slices are never mutated after publication.
type Snapshot struct {
	Clusters   []model.Cluster   `json:"clusters"`
	SelectedID string            `json:"selectedId,omitempty"`
	Membership *model.Membership `json:"membership,omitempty"`
	Generation uint64            `json:"generation"`
}

// Selected returns the selected cluster, if any.
func (s Snapshot) Selected() (model.Cluster, bool) {
	for _, c := range s.Clusters {
		if c.ID == s.SelectedID {
			return c, true
		}
	}
	return model.Cluster{}, false
}

type Option func(*Store)

func WithBroker(b events.Broker) Option { return func(s *Store) { s.broker = b } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// WithFallback sets the coordinate used for clusters the service returns without one.
func WithFallback(p model.GeoPoint) Option { return func(s *Store) { s.fallback = p } }

// Store is the authoritative cluster state. It is safe for concurrent use.
type Store struct {
	backend  store.Store
	broker   events.Broker
	log      *zap.Logger
	fallback model.GeoPoint

	mu         sync.RWMutex
	clusters   []model.Cluster
	states     map[string]State
	selected   string
	membership *model.Membership
	gen        uint64

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func New(backend store.Store, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		fallback: DefaultFallback,
		states:   map[string]State{},
		subs:     map[chan Snapshot]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = events.Discard{}
	}
	if s.log == nil {
		s.log = zap.L()
	}
	return s
}

// Fallback is the anchor used for clusters without a coordinate.
func (s *Store) Fallback() model.GeoPoint { return s.fallback }

// Load fetches every cluster, keeps the selection if it still exists (else selects the
// first cluster) and loads membership for the selection only. On a failed fetch the
// prior state is kept.
func (s *Store) Load(ctx context.Context) (out []model.Cluster, err error) {
	ctx, span := tracing.Start(ctx, "clusters.load", "cluster", "")
	defer func() {
		metrics.ClusterCommands.WithLabelValues("load", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if err = s.refreshList(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sel := s.selected
	if !s.hasLocked(sel) {
		sel = ""
		if len(s.clusters) > 0 {
			sel = s.clusters[0].ID
		}
	}
	s.mu.Unlock()

	if sel != "" {
		if _, err = s.Select(ctx, sel); err != nil && !eris.Is(err, ErrStale) {
			return s.Clusters(), err
		}
		err = nil
	} else {
		s.clearSelection()
	}
	return s.Clusters(), nil
}

// refreshList replaces the cluster list from the service.
func (s *Store) refreshList(ctx context.Context) error {
	recs, err := s.backend.ListClusters(ctx)
	if err != nil {
		s.log.Warn("cluster list load failed", zap.Error(err))
		return &model.ServiceError{Op: "listClusters", Err: err}
	}

	list := make([]model.Cluster, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		c := r.Cluster(s.fallback)
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		list = append(list, c)
	}

	s.mu.Lock()
	if s.membership != nil {
		for i := range list {
			if list[i].ID == s.membership.ClusterID {
				withMemberIDs(&list[i], *s.membership)
			}
		}
	}
	for id, st := range s.states {
		if !seen[id] && st != StateDeleting {
			s.states[id] = StateDeleted
		}
	}
	for id := range seen {
		if s.states[id] != StateDeleting {
			s.states[id] = StateActive
		}
	}
	s.clusters = list
	s.mu.Unlock()

	s.publish(events.ClustersLoaded, "", map[string]any{"count": len(list)})
	return nil
}

// Select makes clusterID the active selection and loads its clients and caretakers.
// Another cluster's membership is withheld while the load is in flight. If another
// Select or a delete supersedes this one before the load completes, the result is
// discarded and ErrStale returned. A failed load restores the previous selection.
func (s *Store) Select(ctx context.Context, clusterID string) (m model.Membership, err error) {
	ctx, span := tracing.Start(ctx, "clusters.select", "cluster", clusterID)
	defer func() {
		tracing.End(span, err)
	}()

	s.mu.Lock()
	if !s.hasLocked(clusterID) {
		s.mu.Unlock()
		return model.Membership{}, eris.Wrapf(store.ErrNotFound, "clusters: select %s", clusterID)
	}
	s.gen++
	gen := s.gen
	prevSelected, prevMembership := s.selected, s.membership
	s.selected = clusterID
	if s.membership != nil && s.membership.ClusterID != clusterID {
		s.membership = nil
	}
	s.mu.Unlock()
	s.publish(events.ClusterSelected, clusterID, nil)

	m, err = s.loadMembership(ctx, clusterID, gen)
	if err != nil && !eris.Is(err, ErrStale) {
		s.restoreSelection(gen, prevSelected, prevMembership)
	}
	return m, err
}

// restoreSelection puts back the selection a failed Select replaced, unless a newer
// selection or a delete already moved on.
func (s *Store) restoreSelection(gen uint64, prevSelected string, prevMembership *model.Membership) {
	s.mu.Lock()
	if s.gen != gen || s.selected == prevSelected {
		if s.gen == gen && prevMembership != nil {
			s.membership = prevMembership
		}
		s.mu.Unlock()
		return
	}
	failed := s.selected
	s.gen++
	if s.hasLocked(prevSelected) {
		s.selected, s.membership = prevSelected, prevMembership
	} else {
		s.selected, s.membership = "", nil
	}
	restored := s.selected
	s.mu.Unlock()

	s.log.Info("selection restored after failed load", zap.String("cluster_id", restored), zap.String("failed_id", failed))
	s.publish(events.ClusterSelected, restored, map[string]any{"restoredFrom": failed})
}

func (s *Store) loadMembership(ctx context.Context, clusterID string, gen uint64) (model.Membership, error) {
	m, err := s.fetchMembership(ctx, clusterID)
	if err != nil {
		s.log.Warn("membership load failed", zap.String("cluster_id", clusterID), zap.Error(err))
		return model.Membership{}, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		metrics.StaleDiscarded.Inc()
		s.log.Debug("discarding stale membership", zap.String("cluster_id", clusterID))
		return m, ErrStale
	}
	s.membership = &m
	for i := range s.clusters {
		if s.clusters[i].ID == clusterID {
			withMemberIDs(&s.clusters[i], m)
		}
	}
	s.mu.Unlock()

	s.publish(events.MembershipLoaded, clusterID, map[string]any{
		"clients":    len(m.Clients),
		"caretakers": len(m.Caretakers),
	})
	return m, nil
}

// fetchMembership loads clients and caretakers of one cluster concurrently.
func (s *Store) fetchMembership(ctx context.Context, clusterID string) (model.Membership, error) {
	var clients, carers []model.MemberRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if clients, err = s.backend.GetClusterClients(gctx, clusterID); err != nil {
			return &model.ServiceError{Op: "getClusterClients", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if carers, err = s.backend.GetClusterCaretakers(gctx, clusterID); err != nil {
			return &model.ServiceError{Op: "getClusterCaretakers", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Membership{}, err
	}
	return model.Membership{
		ClusterID:  clusterID,
		Clients:    model.Entities(clients, model.KindClient),
		Caretakers: model.Entities(carers, model.KindCaretaker),
	}, nil
}

// clearSelection drops the selection and invalidates any in-flight membership load.
func (s *Store) clearSelection() {
	s.mu.Lock()
	s.gen++
	s.selected = ""
	s.membership = nil
	s.mu.Unlock()
}

// Clusters returns a copy of the cluster list.
func (s *Store) Clusters() []model.Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Cluster(nil), s.clusters...)
}

// Get returns one cluster by id.
func (s *Store) Get(clusterID string) (model.Cluster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(clusterID)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Clusters:   append([]model.Cluster(nil), s.clusters...),
		SelectedID: s.selected,
		Generation: s.gen,
	}
	if s.membership != nil {
		m := *s.membership
		snap.Membership = &m
	}
	return snap
}

// Subscribe returns a channel that always holds the latest snapshot after a change.
// Call cancel to stop receiving; the channel is closed.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// publish emits evt on the broker and pushes a fresh snapshot to subscribers.
func (s *Store) publish(evtType, clusterID string, data map[string]any) {
	s.broker.Publish(events.TopicClusters, events.Event{Type: evtType, ClusterID: clusterID, Data: data})

	snap := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		// latest wins
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) hasLocked(clusterID string) bool {
	_, ok := s.getLocked(clusterID)
	return ok
}

func (s *Store) getLocked(clusterID string) (model.Cluster, bool) {
	if clusterID == "" {
		return model.Cluster{}, false
	}
	for _, c := range s.clusters {
		if c.ID == clusterID {
			return c, true
		}
	}
	return model.Cluster{}, false
}

func withMemberIDs(c *model.Cluster, m model.Membership) {
	c.ClientIDs = make([]string, 0, len(m.Clients))
	for _, e := range m.Clients {
		c.ClientIDs = append(c.ClientIDs, e.ID)
	}
	c.CaretakerIDs = make([]string, 0, len(m.Caretakers))
	for _, e := range m.Caretakers {
		c.CaretakerIDs = append(c.CaretakerIDs, e.ID)
	}
	c.ClientCount = len(m.Clients)
	c.CaretakerCount = len(m.Caretakers)
}

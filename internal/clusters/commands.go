package clusters

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"caremap/internal/events"
	"caremap/internal/metrics"
	"caremap/internal/model"
	"caremap/internal/store"
	"caremap/internal/tracing"
)

// AssignError reports clients that could not be attached to a freshly created cluster.
// The cluster itself was created.
type AssignError struct {
	ClusterID string
	Failed    map[string]error
}

func (e *AssignError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	return fmt.Sprintf("clusters: cluster %s created but %d client(s) not assigned: %s",
		e.ClusterID, len(e.Failed), strings.Join(ids, ", "))
}

// Create validates spec, creates the cluster, attaches spec.ClientIDs and selects it.
// A service failure leaves local state unchanged.
func (s *Store) Create(ctx context.Context, spec model.ClusterSpec) (c model.Cluster, err error) {
	ctx, span := tracing.Start(ctx, "clusters.create", "cluster", "")
	defer func() {
		metrics.ClusterCommands.WithLabelValues("create", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if err = model.RequireClusterFields(spec.Name, spec.Postcode); err != nil {
		return model.Cluster{}, err
	}
	if spec.Location == nil || model.PointFrom(model.Float(spec.Location.Lat), model.Float(spec.Location.Lng)) == nil {
		return model.Cluster{}, &model.ValidationError{Field: "location", Message: "select an address from the suggestions"}
	}

	rec, err := s.backend.CreateCluster(ctx, spec.Write())
	if err != nil {
		s.log.Warn("create cluster failed", zap.String("name", spec.Name), zap.Error(err))
		return model.Cluster{}, &model.ServiceError{Op: "createCluster", Err: err}
	}
	c = rec.Cluster(s.fallback)
	if c.ID == "" {
		return model.Cluster{}, &model.ServiceError{Op: "createCluster", Err: eris.New("service returned a cluster without an id")}
	}

	var assignErr *AssignError
	for _, clientID := range spec.ClientIDs {
		if aerr := s.backend.AssignClientToCluster(ctx, c.ID, clientID); aerr != nil {
			if assignErr == nil {
				assignErr = &AssignError{ClusterID: c.ID, Failed: map[string]error{}}
			}
			assignErr.Failed[clientID] = aerr
			s.log.Warn("assign client to new cluster failed",
				zap.String("cluster_id", c.ID), zap.String("client_id", clientID), zap.Error(aerr))
		}
	}

	if lerr := s.refreshList(ctx); lerr != nil {
		s.mu.Lock()
		s.clusters = append(s.clusters, c)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.states[c.ID] = StateActive
	s.mu.Unlock()
	s.publish(events.ClusterCreated, c.ID, map[string]any{"name": c.Name})

	if _, serr := s.Select(ctx, c.ID); serr != nil && !eris.Is(serr, ErrStale) {
		s.log.Warn("select new cluster failed", zap.String("cluster_id", c.ID), zap.Error(serr))
	}
	if got, ok := s.Get(c.ID); ok {
		c = got
	}
	if assignErr != nil {
		return c, assignErr
	}
	return c, nil
}

// Update rewrites a cluster. When the postcode or region changes, members whose postcode
// matched the old one get the new postcode and their address text rewritten; membership
// itself is untouched.
func (s *Store) Update(ctx context.Context, clusterID string, patch model.ClusterPatch) (c model.Cluster, err error) {
	ctx, span := tracing.Start(ctx, "clusters.update", "cluster", clusterID)
	defer func() {
		metrics.ClusterCommands.WithLabelValues("update", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if err = model.RequireClusterFields(patch.Name, patch.Postcode); err != nil {
		return model.Cluster{}, err
	}
	cur, ok := s.Get(clusterID)
	if !ok {
		return model.Cluster{}, eris.Wrapf(store.ErrNotFound, "clusters: update %s", clusterID)
	}
	loc := cur.Location
	if patch.Location != nil {
		if model.PointFrom(model.Float(patch.Location.Lat), model.Float(patch.Location.Lng)) == nil {
			return model.Cluster{}, &model.ValidationError{Field: "location", Message: "coordinate out of range"}
		}
		loc = *patch.Location
	}

	w := model.ClusterWrite{
		Name:        strings.TrimSpace(patch.Name),
		Description: patch.Description,
		Postcode:    strings.TrimSpace(patch.Postcode),
		Location:    patch.Region,
		Latitude:    model.Float(loc.Lat),
		Longitude:   model.Float(loc.Lng),
	}
	rec, err := s.backend.UpdateCluster(ctx, clusterID, w)
	if err != nil {
		return model.Cluster{}, &model.ServiceError{Op: "updateCluster", Err: err}
	}

	if w.Postcode != cur.Postcode || w.Location != cur.Region {
		if err = s.rewriteAddresses(ctx, clusterID, cur.Postcode, w.Postcode, cur.Region, w.Location); err != nil {
			return model.Cluster{}, err
		}
	}

	updated := rec.Cluster(s.fallback)
	if updated.ID == "" {
		updated.ID = clusterID
	}
	s.mu.Lock()
	for i := range s.clusters {
		if s.clusters[i].ID == clusterID {
			updated.ClientIDs, updated.CaretakerIDs = s.clusters[i].ClientIDs, s.clusters[i].CaretakerIDs
			s.clusters[i] = updated
		}
	}
	s.states[clusterID] = StateActive
	reload := s.selected == clusterID
	gen := s.gen
	s.mu.Unlock()
	s.publish(events.ClusterUpdated, clusterID, map[string]any{"name": updated.Name})

	if reload {
		if _, lerr := s.loadMembership(ctx, clusterID, gen); lerr != nil && !eris.Is(lerr, ErrStale) {
			s.log.Warn("membership reload after update failed", zap.String("cluster_id", clusterID), zap.Error(lerr))
		}
	}
	if got, ok := s.Get(clusterID); ok {
		updated = got
	}
	return updated, nil
}

func (s *Store) rewriteAddresses(ctx context.Context, clusterID, oldPostcode, newPostcode, oldRegion, newRegion string) error {
	m, err := s.fetchMembership(ctx, clusterID)
	if err != nil {
		return err
	}
	rewrite := func(kind model.MemberKind, members []model.LocatedEntity) error {
		for _, e := range members {
			if e.Postcode != oldPostcode {
				continue
			}
			addr := model.MemberAddress{
				Postcode: newPostcode,
				Address:  replaceOnce(replaceOnce(e.Address, oldRegion, newRegion), oldPostcode, newPostcode),
			}
			if err := s.backend.UpdateMemberAddress(ctx, clusterID, kind, e.ID, addr); err != nil {
				return &model.ServiceError{Op: "updateMemberAddress", Err: err}
			}
		}
		return nil
	}
	if err := rewrite(model.KindClient, m.Clients); err != nil {
		return err
	}
	return rewrite(model.KindCaretaker, m.Caretakers)
}

func replaceOnce(s, old, repl string) string {
	if old == "" {
		return s
	}
	return strings.Replace(s, old, repl, 1)
}

// Delete removes an empty cluster. Membership is fetched from the service first; a
// cluster with any client or caretaker fails with PreconditionError and stays Active.
func (s *Store) Delete(ctx context.Context, clusterID string) (err error) {
	ctx, span := tracing.Start(ctx, "clusters.delete", "cluster", clusterID)
	defer func() {
		metrics.ClusterCommands.WithLabelValues("delete", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	s.mu.Lock()
	if !s.hasLocked(clusterID) {
		s.mu.Unlock()
		return eris.Wrapf(store.ErrNotFound, "clusters: delete %s", clusterID)
	}
	if s.states[clusterID] == StateDeleting {
		s.mu.Unlock()
		return &model.ValidationError{Field: "id", Message: "delete already in progress"}
	}
	s.states[clusterID] = StateDeleting
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		s.states[clusterID] = StateActive
		s.mu.Unlock()
	}

	m, err := s.fetchMembership(ctx, clusterID)
	if err != nil {
		restore()
		return err
	}
	if m.Size() > 0 {
		restore()
		return &model.PreconditionError{ClusterID: clusterID, Clients: len(m.Clients), Caretakers: len(m.Caretakers)}
	}
	if err = s.backend.DeleteCluster(ctx, clusterID); err != nil {
		restore()
		return &model.ServiceError{Op: "deleteCluster", Err: err}
	}

	s.mu.Lock()
	kept := s.clusters[:0:0]
	for _, c := range s.clusters {
		if c.ID != clusterID {
			kept = append(kept, c)
		}
	}
	s.clusters = kept
	s.states[clusterID] = StateDeleted
	wasSelected := s.selected == clusterID
	if wasSelected {
		s.gen++
		s.selected = ""
		s.membership = nil
	}
	s.mu.Unlock()

	s.log.Info("cluster deleted", zap.String("cluster_id", clusterID))
	s.publish(events.ClusterDeleted, clusterID, map[string]any{"wasSelected": wasSelected})
	return nil
}

// MoveMember reassigns one client or caretaker to target.
func (s *Store) MoveMember(ctx context.Context, memberID string, kind model.MemberKind, targetID string) (err error) {
	ctx, span := tracing.Start(ctx, "clusters.move_member", string(kind), memberID)
	defer func() {
		metrics.ClusterCommands.WithLabelValues("move_member", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if err = s.requireTarget(targetID); err != nil {
		return err
	}
	if err = s.assign(ctx, targetID, kind, memberID); err != nil {
		return err
	}
	s.publish(events.MemberMoved, targetID, map[string]any{"memberId": memberID, "kind": string(kind)})
	s.afterMove(ctx)
	return nil
}

// MoveAll moves every client and caretaker of from into to and returns how many moved.
// It stops at the first failure; members moved before it stay moved.
func (s *Store) MoveAll(ctx context.Context, fromID, toID string) (moved int, err error) {
	ctx, span := tracing.Start(ctx, "clusters.move_all", "cluster", fromID)
	defer func() {
		metrics.ClusterCommands.WithLabelValues("move_all", metrics.Outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if fromID == toID {
		return 0, &model.ValidationError{Field: "target", Message: "choose a different cluster to move members to"}
	}
	if _, ok := s.Get(fromID); !ok {
		return 0, eris.Wrapf(store.ErrNotFound, "clusters: move from %s", fromID)
	}
	if err = s.requireTarget(toID); err != nil {
		return 0, err
	}

	m, err := s.fetchMembership(ctx, fromID)
	if err != nil {
		return 0, err
	}
	defer func() {
		if moved > 0 {
			s.publish(events.MemberMoved, toID, map[string]any{"from": fromID, "moved": moved})
			s.afterMove(ctx)
		}
	}()
	for _, e := range m.Clients {
		if err = s.assign(ctx, toID, model.KindClient, e.ID); err != nil {
			return moved, err
		}
		moved++
	}
	for _, e := range m.Caretakers {
		if err = s.assign(ctx, toID, model.KindCaretaker, e.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (s *Store) requireTarget(targetID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasLocked(targetID) {
		return eris.Wrapf(store.ErrNotFound, "clusters: target %s", targetID)
	}
	if st := s.states[targetID]; st == StateDeleting || st == StateDeleted {
		return &model.ValidationError{Field: "target", Message: "target cluster is being deleted"}
	}
	return nil
}

func (s *Store) assign(ctx context.Context, clusterID string, kind model.MemberKind, memberID string) error {
	switch kind {
	case model.KindClient:
		if err := s.backend.AssignClientToCluster(ctx, clusterID, memberID); err != nil {
			return &model.ServiceError{Op: "assignClientToCluster", Err: err}
		}
	case model.KindCaretaker:
		if err := s.backend.AssignCarerToCluster(ctx, clusterID, memberID); err != nil {
			return &model.ServiceError{Op: "assignCarerToCluster", Err: err}
		}
	default:
		return &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown member kind %q", kind)}
	}
	return nil
}

// afterMove refreshes counts and the selected membership. Failures are logged only;
// the move itself already succeeded.
func (s *Store) afterMove(ctx context.Context) {
	if err := s.refreshList(ctx); err != nil {
		s.log.Warn("cluster list refresh after move failed", zap.Error(err))
	}
	s.mu.RLock()
	sel, gen := s.selected, s.gen
	s.mu.RUnlock()
	if sel == "" {
		return
	}
	if _, err := s.loadMembership(ctx, sel, gen); err != nil && !eris.Is(err, ErrStale) {
		s.log.Warn("membership reload after move failed", zap.String("cluster_id", sel), zap.Error(err))
	}
}

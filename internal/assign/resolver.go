// Package assign pairs clients with caretakers and computes the straight-line travel
// metrics shown on the map.
package assign

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"caremap/internal/geo"
	"caremap/internal/grouping"
	"caremap/internal/metrics"
	"caremap/internal/model"
)

const (
	// DefaultSpreadM is the radius unlocated caretakers are spread around their client.
	DefaultSpreadM = 500.0
	// DefaultPoolOffsetM places unlocated pool caretakers next to their client.
	DefaultPoolOffsetM = 100.0
	// DefaultConcurrency bounds concurrent per-client caretaker lookups.
	DefaultConcurrency = 8
)

// ErrEmptyPool is returned by pool mode when there is nobody to draw from.
var ErrEmptyPool = eris.New("assign: empty caretaker pool")

// CaretakerSource looks up the caretakers attached to one client.
type CaretakerSource interface {
	GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithSpread(meters float64) Option { return func(r *Resolver) { r.spreadM = meters } }

func WithPoolOffset(meters float64) Option { return func(r *Resolver) { r.poolOffsetM = meters } }

func WithConcurrency(n int) Option { return func(r *Resolver) { r.limit = n } }

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

// Resolver owns the round-robin cursor; separate instances never share it.
type Resolver struct {
	source      CaretakerSource
	spreadM     float64
	poolOffsetM float64
	limit       int
	log         *zap.Logger

	mu     sync.Mutex
	pool   []model.LocatedEntity
	cursor int
}

// New creates a Resolver. source may be nil when only pool mode is used.
func New(source CaretakerSource, pool []model.LocatedEntity, opts ...Option) *Resolver {
	r := &Resolver{
		source:      source,
		pool:        append([]model.LocatedEntity(nil), pool...),
		spreadM:     DefaultSpreadM,
		poolOffsetM: DefaultPoolOffsetM,
		limit:       DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.L()
	}
	if r.limit <= 0 {
		r.limit = 1
	}
	return r
}

// SetPool replaces the caretaker pool. The cursor keeps advancing from where it was.
func (r *Resolver) SetPool(pool []model.LocatedEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append([]model.LocatedEntity(nil), pool...)
}

// Next draws the next pool caretaker and returns its pool index.
func (r *Resolver) Next() (model.LocatedEntity, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) == 0 {
		return model.LocatedEntity{}, -1, ErrEmptyPool
	}
	idx := r.cursor % len(r.pool)
	r.cursor++
	return r.pool[idx], idx, nil
}

// Draws reports how many caretakers have been drawn from the pool so far.
func (r *Resolver) Draws() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// ResolvePool pairs every client of every group with the next pool caretaker. A caretaker
// without a coordinate is drawn next to its client, spread by the client's position in
// the group.
func (r *Resolver) ResolvePool(groups []model.ProximityGroup) ([]model.Assignment, error) {
	var out []model.Assignment
	for _, g := range groups {
		n := len(g.Members)
		for i, client := range g.Members {
			if !client.Located() {
				continue
			}
			ct, _, err := r.Next()
			if err != nil {
				return nil, err
			}
			a := model.Assignment{
				ClientID:       client.ID,
				CaretakerID:    ct.ID,
				CaretakerName:  ct.Name,
				ClientLocation: *client.Location,
				Pooled:         true,
			}
			if ct.Located() {
				a.CaretakerLocation = *ct.Location
			} else {
				a.CaretakerLocation = geo.OffsetPoint(*client.Location, float64(i)*360/float64(n), r.poolOffsetM)
				a.Synthetic = true
			}
			a.DistanceKm = geo.Distance(a.ClientLocation, a.CaretakerLocation)
			out = append(out, a)
		}
	}
	metrics.AssignmentsResolved.WithLabelValues("pool").Add(float64(len(out)))
	return out, nil
}

// FillFromPool gives every resolution of b that ended up without caretakers a pool
// caretaker, drawn round-robin over proximity groups of those clients. An empty pool
// leaves b as it is.
func (r *Resolver) FillFromPool(b *Batch, linkKm float64) error {
	r.mu.Lock()
	empty := len(r.pool) == 0
	r.mu.Unlock()
	if empty {
		return nil
	}

	var bare []model.LocatedEntity
	at := map[string]int{}
	for i, res := range b.Resolutions {
		if len(res.Assignments) == 0 {
			bare = append(bare, res.Client)
			at[res.Client.ID] = i
		}
	}
	if len(bare) == 0 {
		return nil
	}
	pooled, err := r.ResolvePool(grouping.Group(bare, linkKm))
	if err != nil {
		return err
	}
	for _, a := range pooled {
		i := at[a.ClientID]
		b.Resolutions[i].Assignments = append(b.Resolutions[i].Assignments, a)
	}
	return nil
}

// ClientResolution is the outcome of resolving one client against live data.
type ClientResolution struct {
	Client      model.LocatedEntity
	Assignments []model.Assignment
	TotalCarers int
	TotalVisits int
}

// ResolveClient fetches the caretakers of one client and places them. The client's
// coordinate comes from the lookup when present, otherwise from the client record.
func (r *Resolver) ResolveClient(ctx context.Context, client model.LocatedEntity) (ClientResolution, error) {
	if r.source == nil {
		return ClientResolution{}, eris.New("assign: no caretaker source configured")
	}
	data, err := r.source.GetClientCaretakers(ctx, client.ID)
	if err != nil {
		return ClientResolution{}, &model.ServiceError{Op: "getClientCaretakers", Err: err}
	}
	if p := model.PointFrom(data.ClientLatitude, data.ClientLongitude); p != nil {
		client.Location = p
	}
	if !client.Located() {
		return ClientResolution{}, &model.PartialDataError{EntityID: client.ID, Reason: "no coordinate"}
	}
	if client.Postcode == "" {
		client.Postcode = data.ClientPostcode
	}
	res := ClientResolution{
		Client:      client,
		Assignments: Place(client.ID, *client.Location, data.Carers, r.spreadM),
		TotalCarers: data.TotalCarers,
		TotalVisits: data.TotalVisits,
	}
	metrics.AssignmentsResolved.WithLabelValues("client").Add(float64(len(res.Assignments)))
	return res, nil
}

// Place puts located carers at their own coordinate and spreads the rest evenly on a
// circle of spreadM metres around the client.
func Place(clientID string, client model.GeoPoint, carers []model.CarerRecord, spreadM float64) []model.Assignment {
	unlocated := 0
	for _, c := range carers {
		if model.PointFrom(c.Latitude, c.Longitude) == nil {
			unlocated++
		}
	}
	step := 0.0
	if unlocated > 0 {
		step = 360 / float64(unlocated)
	}

	out := make([]model.Assignment, 0, len(carers))
	k := 0
	for _, c := range carers {
		e := c.Entity()
		a := model.Assignment{
			ClientID:       clientID,
			CaretakerID:    e.ID,
			CaretakerName:  e.Name,
			ClientLocation: client,
			DurationMin:    c.Duration.Ptr(),
		}
		if e.Located() {
			a.CaretakerLocation = *e.Location
		} else {
			a.CaretakerLocation = geo.OffsetPoint(client, float64(k)*step, spreadM)
			a.Synthetic = true
			k++
		}
		a.DistanceKm = geo.Distance(client, a.CaretakerLocation)
		out = append(out, a)
	}
	return out
}

// Batch is the result of resolving many clients. Resolutions keep input order;
// Warnings hold one PartialDataError or ServiceError per client that fell out.
type Batch struct {
	Resolutions []ClientResolution
	Warnings    []error
}

// Points returns every coordinate of the batch, for bounds fitting.
func (b Batch) Points() []model.GeoPoint {
	var pts []model.GeoPoint
	for _, res := range b.Resolutions {
		pts = append(pts, *res.Client.Location)
		for _, a := range res.Assignments {
			pts = append(pts, a.CaretakerLocation)
		}
	}
	return pts
}

// ResolveClients resolves clients concurrently and waits for every lookup to finish
// or fail. A failed lookup for a client that has its own coordinate still yields the
// client with no assignments. Only context cancellation is returned as an error.
func (r *Resolver) ResolveClients(ctx context.Context, clients []model.LocatedEntity) (Batch, error) {
	if r.source == nil {
		return Unresolved(clients), nil
	}
	results := make([]*ClientResolution, len(clients))
	warns := make([]error, len(clients))

	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, c := range clients {
		g.Go(func() error {
			res, err := r.ResolveClient(ctx, c)
			if err == nil {
				results[i] = &res
				return nil
			}
			warns[i] = err
			var se *model.ServiceError
			if eris.As(err, &se) && c.Located() {
				results[i] = &ClientResolution{Client: c}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Batch{}, eris.Wrap(err, "assign: resolve clients")
	}

	var b Batch
	for i := range clients {
		if results[i] != nil {
			b.Resolutions = append(b.Resolutions, *results[i])
		}
		if warns[i] != nil {
			b.Warnings = append(b.Warnings, warns[i])
			var pe *model.PartialDataError
			if eris.As(warns[i], &pe) {
				metrics.PartialData.Inc()
			}
			r.log.Warn("client skipped or partial", zap.String("client_id", clients[i].ID), zap.Error(warns[i]))
		}
	}
	return b, nil
}

// Unresolved returns a batch of the located clients with no caretakers, and a
// PartialDataError for each client without a coordinate.
func Unresolved(clients []model.LocatedEntity) Batch {
	var b Batch
	for _, c := range clients {
		if !c.Located() {
			b.Warnings = append(b.Warnings, &model.PartialDataError{EntityID: c.ID, Reason: "no coordinate"})
			continue
		}
		b.Resolutions = append(b.Resolutions, ClientResolution{Client: c})
	}
	return b
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"caremap/internal/metrics"
	"caremap/internal/model"
	"caremap/internal/resilience"
	"caremap/internal/tracing"
)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = hc }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) RemoteOption {
	return func(r *Remote) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithRetry(cfg resilience.RetryConfig) RemoteOption {
	return func(r *Remote) { r.retry = cfg }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) RemoteOption {
	return func(r *Remote) { r.token = token }
}

func WithLogger(l *zap.Logger) RemoteOption {
	return func(r *Remote) { r.log = l }
}

// Remote talks to the rostering service over HTTP.
type Remote struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	log        *zap.Logger
}

func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(20, 20),
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.L()
	}
	return r
}

const rosteringPrefix = "/api/rostering"

// Ping lists clusters once without retrying.
func (r *Remote) Ping(ctx context.Context) error {
	return r.send(ctx, "ping", http.MethodGet, rosteringPrefix+"/clusters", nil, nil)
}

func (r *Remote) ListClusters(ctx context.Context) ([]model.ClusterRecord, error) {
	var out []model.ClusterRecord
	err := r.do(ctx, "listClusters", http.MethodGet, rosteringPrefix+"/clusters", nil, &out)
	return out, err
}

func (r *Remote) CreateCluster(ctx context.Context, w model.ClusterWrite) (model.ClusterRecord, error) {
	var out model.ClusterRecord
	err := r.do(ctx, "createCluster", http.MethodPost, rosteringPrefix+"/clusters", w, &out)
	return out, err
}

func (r *Remote) UpdateCluster(ctx context.Context, clusterID string, w model.ClusterWrite) (model.ClusterRecord, error) {
	body := struct {
		ID string `json:"id"`
		model.ClusterWrite
	}{ID: clusterID, ClusterWrite: w}
	var out model.ClusterRecord
	err := r.do(ctx, "updateCluster", http.MethodPut, rosteringPrefix+"/clusters/"+url.PathEscape(clusterID), body, &out)
	return out, err
}

func (r *Remote) DeleteCluster(ctx context.Context, clusterID string) error {
	return r.do(ctx, "deleteCluster", http.MethodDelete, rosteringPrefix+"/clusters/"+url.PathEscape(clusterID), nil, nil)
}

func (r *Remote) GetClusterClients(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	var out []model.MemberRecord
	err := r.do(ctx, "getClusterClients", http.MethodGet, rosteringPrefix+"/clusters/"+url.PathEscape(clusterID)+"/clients", nil, &out)
	return out, err
}

func (r *Remote) GetClusterCaretakers(ctx context.Context, clusterID string) ([]model.MemberRecord, error) {
	var out []model.MemberRecord
	err := r.do(ctx, "getClusterCaretakers", http.MethodGet, rosteringPrefix+"/clusters/"+url.PathEscape(clusterID)+"/carers", nil, &out)
	return out, err
}

func (r *Remote) GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error) {
	var out model.ClientCaretakers
	err := r.do(ctx, "getClientCaretakers", http.MethodGet, rosteringPrefix+"/careplans/client/"+url.PathEscape(clientID)+"/carers", nil, &out)
	return out, err
}

func (r *Remote) AssignClientToCluster(ctx context.Context, clusterID, clientID string) error {
	return r.do(ctx, "assignClientToCluster", http.MethodPost,
		rosteringPrefix+"/clusters/"+url.PathEscape(clusterID)+"/assign-client/"+url.PathEscape(clientID), nil, nil)
}

func (r *Remote) AssignCarerToCluster(ctx context.Context, clusterID, carerID string) error {
	return r.do(ctx, "assignCarerToCluster", http.MethodPost,
		rosteringPrefix+"/clusters/"+url.PathEscape(clusterID)+"/assign-carer/"+url.PathEscape(carerID), nil, nil)
}

// UpdateMemberAddress rewrites the postcode and address of a member of clusterID.
func (r *Remote) UpdateMemberAddress(ctx context.Context, clusterID string, kind model.MemberKind, memberID string, addr model.MemberAddress) error {
	return r.do(ctx, "updateMemberAddress", http.MethodPut,
		rosteringPrefix+"/clusters/"+url.PathEscape(clusterID)+"/members/"+url.PathEscape(string(kind))+"/"+url.PathEscape(memberID), addr, nil)
}

// do sends one request with rate limiting and retries, recording metrics and a span.
// POSTs are sent once: replaying a create whose response was lost would hit the
// duplicate check for a cluster that already exists.
func (r *Remote) do(ctx context.Context, op, method, path string, body, out any) error {
	if method == http.MethodPost {
		return r.send(ctx, op, method, path, body, out)
	}
	cfg := r.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("cluster-service", op)
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return r.send(ctx, op, method, path, body, out)
	})
}

func (r *Remote) send(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := tracing.Start(ctx, "backend."+op, "path", path)
	start := time.Now()
	status := "error"
	defer func() {
		metrics.BackendRequests.WithLabelValues(op, status).Inc()
		metrics.BackendLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
		tracing.End(span, err)
	}()

	if err := r.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "store: rate limiter wait")
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "store: encode %s body", op)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return eris.Wrapf(err, "store: build %s request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return eris.Wrapf(err, "store: %s", op)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("store: %s: status %d: %s", op, resp.StatusCode, readMessage(resp.Body)), resp.StatusCode)
	case resp.StatusCode >= 300:
		return eris.Errorf("store: %s: status %d: %s", op, resp.StatusCode, readMessage(resp.Body))
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "store: read %s response", op)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrapf(err, "store: decode %s response", op)
	}
	return nil
}

// readMessage pulls the service's error message, falling back to the raw body.
func readMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var msg struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &msg) == nil {
		if msg.Message != "" {
			return msg.Message
		}
		if msg.Error != "" {
			return msg.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

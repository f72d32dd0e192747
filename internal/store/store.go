package store

import (
	"context"
	"errors"

	"caremap/internal/model"
)

// Store is the cluster service contract. ClusterStore and the resolver depend on it;
// Memory, Postgres and Remote implement it.
type Store interface {
	// Clusters
	ListClusters(ctx context.Context) ([]model.ClusterRecord, error)
	CreateCluster(ctx context.Context, w model.ClusterWrite) (model.ClusterRecord, error)
	UpdateCluster(ctx context.Context, clusterID string, w model.ClusterWrite) (model.ClusterRecord, error)
	DeleteCluster(ctx context.Context, clusterID string) error

	// Membership
	GetClusterClients(ctx context.Context, clusterID string) ([]model.MemberRecord, error)
	GetClusterCaretakers(ctx context.Context, clusterID string) ([]model.MemberRecord, error)
	AssignClientToCluster(ctx context.Context, clusterID, clientID string) error
	AssignCarerToCluster(ctx context.Context, clusterID, carerID string) error
	UpdateMemberAddress(ctx context.Context, clusterID string, kind model.MemberKind, memberID string, addr model.MemberAddress) error

	// Care plans
	GetClientCaretakers(ctx context.Context, clientID string) (model.ClientCaretakers, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a cluster name is already taken.
	ErrConflict = errors.New("conflict")
)

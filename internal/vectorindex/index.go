// Package vectorindex stores one searchable record per issue, partitioned by
// tenant, and answers hybrid (keyword + dense vector) queries over them.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
)

// CollectionName is the default collection holding every tenant's issues.
const CollectionName = "Issues"

// Property names returned by HybridSearch.
const (
	PropertyTitle       = "title"
	PropertyDescription = "description"
)

var (
	ErrUnreachable       = errors.New("vector index unreachable")
	ErrNotFound          = errors.New("vector record not found")
	ErrInvalidTenant     = errors.New("invalid tenant key")
	ErrEmptyRecord       = errors.New("record has neither properties nor vector")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// TenantKey scopes a partition of the index to one document's issues.
func TenantKey(workspaceID, projectID int64, documentUUID string) string {
	return fmt.Sprintf("%d_%d_%s", workspaceID, projectID, documentUUID)
}

// Properties are the text fields of an issue record. Title and description
// always travel together.
type Properties struct {
	Title       string
	Description string
}

// Record is a write to the index. Properties and Vector are independent
// parts; a nil part is left untouched by Update.
type Record struct {
	ID         string // issue uuid
	Properties *Properties
	Vector     []float32 // normalized centroid
}

// SearchQuery is a hybrid search request.
type SearchQuery struct {
	Text             string
	Vector           []float32
	ReturnProperties []string
	Limit            int
}

// Hit is one ranked search result.
type Hit struct {
	ID          string
	Title       string
	Description string
	Score       float64
}

// Index is a tenant-scoped store of issue records.
//
// Tenants are created on demand and removed explicitly once empty. Record
// IDs are unique across tenants.
type Index interface {
	GetOrCreateTenant(ctx context.Context, tenant string) error
	Exists(ctx context.Context, tenant, id string) (bool, error)
	Insert(ctx context.Context, tenant string, rec Record) error
	Update(ctx context.Context, tenant string, rec Record) error
	// DeleteByID returns ErrNotFound when no record with id lives in tenant.
	DeleteByID(ctx context.Context, tenant, id string) error
	HybridSearch(ctx context.Context, tenant string, q SearchQuery) ([]Hit, error)
	Length(ctx context.Context, tenant string) (int, error)
	RemoveTenant(ctx context.Context, tenant string) error
	Health(ctx context.Context) error
	EnsureCollection(ctx context.Context) error
	Close() error
}

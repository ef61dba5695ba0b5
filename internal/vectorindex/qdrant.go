package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Named vectors of every point.
const (
	vectorCentroid    = "centroid"
	vectorTitle       = "title"
	vectorDescription = "description"
)

const (
	payloadTenant = "tenant"

	defaultPort       = 6334
	defaultSearchSize = 10
)

// Options configures the Qdrant index.
type Options struct {
	URL               string // host:port or http(s)://host:port, gRPC port
	APIKey            string
	Collection        string
	Dimension         int
	IndexingThreshold uint64 // points per segment before HNSW is built
}

// Qdrant implements Index on a single Qdrant collection. Tenants are payload
// partitions backed by a tenant-optimized keyword index, so creating one
// costs nothing and removing one deletes its points.
type Qdrant struct {
	client            *qdrant.Client
	collection        string
	dimension         int
	indexingThreshold uint64
	logger            *slog.Logger

	mu    sync.Mutex
	ready bool
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects to Qdrant and waits for it to report healthy. It fails
// fast with ErrUnreachable when the server does not come up within the retry
// budget.
func NewQdrant(ctx context.Context, opts Options, logger *slog.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, port, useTLS, err := parseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Collection == "" {
		opts.Collection = CollectionName
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrDimensionMismatch)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	q := &Qdrant{
		client:            client,
		collection:        opts.Collection,
		dimension:         opts.Dimension,
		indexingThreshold: opts.IndexingThreshold,
		logger:            logger,
	}

	if err := q.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	logger.Info("connected to qdrant", "host", host, "port", port, "collection", q.collection)
	return q, nil
}

// parseURL accepts "host", "host:port" or a URL with an http(s) scheme.
func parseURL(raw string) (host string, port int, useTLS bool, err error) {
	if raw == "" {
		return "", 0, false, errors.New("qdrant url is empty")
	}
	hostport := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant url: %w", err)
		}
		useTLS = u.Scheme == "https"
		hostport = u.Host
	}

	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort, useTLS, nil
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid qdrant port %q: %w", p, err)
	}
	return h, port, useTLS, nil
}

func newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (q *Qdrant) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error { return q.Health(ctx) }, newBackOff(ctx))
}

// withRetry retries transient gRPC failures. Request errors are returned
// immediately.
func withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, newBackOff(ctx))
}

// Health performs a single health check against Qdrant.
func (q *Qdrant) Health(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return errors.New("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes if they
// do not exist. Safe to call repeatedly.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		if err := q.createCollection(ctx); err != nil {
			return err
		}
		q.logger.Info("created collection", "collection", q.collection, "dimension", q.dimension)
	}

	q.ready = true
	return nil
}

func (q *Qdrant) createCollection(ctx context.Context) error {
	req := &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorCentroid: {
				Size:     uint64(q.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			vectorTitle:       {Modifier: qdrant.Modifier_Idf.Enum()},
			vectorDescription: {Modifier: qdrant.Modifier_Idf.Enum()},
		}),
		// Tenants are searched with payload filters, so HNSW links are built
		// per tenant rather than globally.
		HnswConfig: &qdrant.HnswConfigDiff{
			M:        qdrant.PtrOf(uint64(0)),
			PayloadM: qdrant.PtrOf(uint64(16)),
		},
	}
	if q.indexingThreshold > 0 {
		req.OptimizersConfig = &qdrant.OptimizersConfigDiff{
			IndexingThreshold: qdrant.PtrOf(q.indexingThreshold),
		}
	}

	if err := q.client.CreateCollection(ctx, req); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	if err := q.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}
	return nil
}

func (q *Qdrant) createPayloadIndexes(ctx context.Context) error {
	indexes := []*qdrant.CreateFieldIndexCollection{
		{
			FieldName: payloadTenant,
			FieldType: qdrant.FieldType_FieldTypeKeyword.Enum(),
			FieldIndexParams: qdrant.NewPayloadIndexParamsKeyword(&qdrant.KeywordIndexParams{
				IsTenant: qdrant.PtrOf(true),
			}),
		},
		{
			FieldName: PropertyTitle,
			FieldType: qdrant.FieldType_FieldTypeText.Enum(),
			FieldIndexParams: qdrant.NewPayloadIndexParamsText(&qdrant.TextIndexParams{
				Tokenizer: qdrant.TokenizerType_Prefix,
				Lowercase: qdrant.PtrOf(true),
			}),
		},
		{
			FieldName: PropertyDescription,
			FieldType: qdrant.FieldType_FieldTypeText.Enum(),
			FieldIndexParams: qdrant.NewPayloadIndexParamsText(&qdrant.TextIndexParams{
				Tokenizer: qdrant.TokenizerType_Word,
				Lowercase: qdrant.PtrOf(true),
			}),
		},
	}

	for _, idx := range indexes {
		idx.CollectionName = q.collection
		idx.Wait = qdrant.PtrOf(true)
		if _, err := q.client.CreateFieldIndex(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", idx.FieldName, err)
		}
	}
	return nil
}

// GetOrCreateTenant makes sure the collection exists. The tenant partition
// itself appears with its first point.
func (q *Qdrant) GetOrCreateTenant(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	return q.EnsureCollection(ctx)
}

func tenantFilter(tenant string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadTenant, tenant)},
	}
}

// Exists reports whether a record with id lives in tenant.
func (q *Qdrant) Exists(ctx context.Context, tenant, id string) (bool, error) {
	if tenant == "" {
		return false, ErrInvalidTenant
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayloadInclude(payloadTenant),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get point: %w", err)
	}
	for _, p := range points {
		if p.Payload[payloadTenant].GetStringValue() == tenant {
			return true, nil
		}
	}
	return false, nil
}

// vectors builds the named vectors for the parts of rec that are set.
func (q *Qdrant) vectors(rec Record) (map[string]*qdrant.Vector, error) {
	vecs := make(map[string]*qdrant.Vector, 3)
	if rec.Vector != nil {
		if len(rec.Vector) != q.dimension {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(rec.Vector), q.dimension)
		}
		vecs[vectorCentroid] = qdrant.NewVectorDense(rec.Vector)
	}
	if rec.Properties != nil {
		title := TitleVector(rec.Properties.Title)
		desc := DescriptionVector(rec.Properties.Description)
		vecs[vectorTitle] = qdrant.NewVectorSparse(title.Indices, title.Values)
		vecs[vectorDescription] = qdrant.NewVectorSparse(desc.Indices, desc.Values)
	}
	return vecs, nil
}

// Insert writes a new record into tenant.
func (q *Qdrant) Insert(ctx context.Context, tenant string, rec Record) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	if rec.Properties == nil && rec.Vector == nil {
		return ErrEmptyRecord
	}
	vecs, err := q.vectors(rec)
	if err != nil {
		return err
	}

	payload := map[string]any{payloadTenant: tenant}
	if rec.Properties != nil {
		payload[PropertyTitle] = rec.Properties.Title
		payload[PropertyDescription] = rec.Properties.Description
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(rec.ID),
		Vectors: qdrant.NewVectorsMap(vecs),
		Payload: qdrant.NewValueMap(payload),
	}

	err = withRetry(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Update writes the parts of rec that are set and leaves the rest intact.
func (q *Qdrant) Update(ctx context.Context, tenant string, rec Record) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	if rec.Properties == nil && rec.Vector == nil {
		return ErrEmptyRecord
	}
	vecs, err := q.vectors(rec)
	if err != nil {
		return err
	}
	id := qdrant.NewIDUUID(rec.ID)

	if rec.Properties != nil {
		err := withRetry(ctx, func() error {
			_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
				CollectionName: q.collection,
				Wait:           qdrant.PtrOf(true),
				Payload: qdrant.NewValueMap(map[string]any{
					PropertyTitle:       rec.Properties.Title,
					PropertyDescription: rec.Properties.Description,
				}),
				PointsSelector: qdrant.NewPointsSelector(id),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to update properties of %s: %w", rec.ID, err)
		}
	}

	err = withRetry(ctx, func() error {
		_, err := q.client.UpdateVectors(ctx, &qdrant.UpdatePointVectors{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointVectors{{
				Id:      id,
				Vectors: qdrant.NewVectorsMap(vecs),
			}},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update vectors of %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteByID removes the record with id from tenant.
func (q *Qdrant) DeleteByID(ctx context.Context, tenant, id string) error {
	exists, err := q.Exists(ctx, tenant, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	err = withRetry(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(id)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// HybridSearch fuses dense similarity on the centroid with sparse keyword
// matches on title and description using reciprocal rank fusion.
func (q *Qdrant) HybridSearch(ctx context.Context, tenant string, sq SearchQuery) ([]Hit, error) {
	if tenant == "" {
		return nil, ErrInvalidTenant
	}
	limit := sq.Limit
	if limit <= 0 {
		limit = defaultSearchSize
	}
	filter := tenantFilter(tenant)
	prefetchLimit := qdrant.PtrOf(uint64(limit * 2))

	var prefetch []*qdrant.PrefetchQuery
	if sq.Vector != nil {
		if len(sq.Vector) != q.dimension {
			return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
				ErrDimensionMismatch, len(sq.Vector), q.dimension)
		}
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQueryDense(sq.Vector),
			Using:  qdrant.PtrOf(vectorCentroid),
			Filter: filter,
			Limit:  prefetchLimit,
		})
	}
	if title := TitleVector(sq.Text); !title.Empty() {
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQuerySparse(title.Indices, title.Values),
			Using:  qdrant.PtrOf(vectorTitle),
			Filter: filter,
			Limit:  prefetchLimit,
		})
	}
	if desc := DescriptionVector(sq.Text); !desc.Empty() {
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQuerySparse(desc.Indices, desc.Values),
			Using:  qdrant.PtrOf(vectorDescription),
			Filter: filter,
			Limit:  prefetchLimit,
		})
	}
	if len(prefetch) == 0 {
		return nil, nil
	}

	props := sq.ReturnProperties
	if len(props) == 0 {
		props = []string{PropertyTitle, PropertyDescription}
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayloadInclude(props...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search tenant %s: %w", tenant, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:          r.Id.GetUuid(),
			Title:       r.Payload[PropertyTitle].GetStringValue(),
			Description: r.Payload[PropertyDescription].GetStringValue(),
			Score:       float64(r.Score),
		})
	}
	return hits, nil
}

// Length counts the records in tenant.
func (q *Qdrant) Length(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, ErrInvalidTenant
	}
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         tenantFilter(tenant),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count tenant %s: %w", tenant, err)
	}
	return int(n), nil
}

// RemoveTenant deletes every record of tenant.
func (q *Qdrant) RemoveTenant(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	err := withRetry(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(tenantFilter(tenant)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove tenant %s: %w", tenant, err)
	}
	q.logger.Debug("removed tenant", "tenant", tenant)
	return nil
}

// Close closes the Qdrant client connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

package issues

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/rerank"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

var errUnavailable = errors.New("vector store unavailable")

// fakeIndex is an in-memory vectorindex.Index. Insert into a tenant that was
// never created fails, which catches a missing GetOrCreateTenant.
type fakeIndex struct {
	mu      sync.Mutex
	tenants map[string]map[string]vectorindex.Record
	hits    map[string][]vectorindex.Hit // canned HybridSearch results per tenant
	calls   []string

	existsErr    error
	deleteErrFor map[string]error
	writeErr     error
}

var _ vectorindex.Index = (*fakeIndex)(nil)

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		tenants:      make(map[string]map[string]vectorindex.Record),
		hits:         make(map[string][]vectorindex.Hit),
		deleteErrFor: make(map[string]error),
	}
}

func (f *fakeIndex) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeIndex) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		switch c {
		case "Insert", "Update", "DeleteByID", "RemoveTenant":
			n++
		}
	}
	return n
}

func (f *fakeIndex) hasTenant(tenant string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tenants[tenant]
	return ok
}

func (f *fakeIndex) get(tenant, id string) (vectorindex.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tenants[tenant][id]
	return rec, ok
}

func (f *fakeIndex) GetOrCreateTenant(_ context.Context, tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrCreateTenant")
	if _, ok := f.tenants[tenant]; !ok {
		f.tenants[tenant] = make(map[string]vectorindex.Record)
	}
	return nil
}

func (f *fakeIndex) Exists(_ context.Context, tenant, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Exists")
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.tenants[tenant][id]
	return ok, nil
}

func (f *fakeIndex) Insert(_ context.Context, tenant string, rec vectorindex.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Insert")
	if f.writeErr != nil {
		return f.writeErr
	}
	records, ok := f.tenants[tenant]
	if !ok {
		return errors.New("tenant does not exist")
	}
	records[rec.ID] = rec
	return nil
}

func (f *fakeIndex) Update(_ context.Context, tenant string, rec vectorindex.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Update")
	if f.writeErr != nil {
		return f.writeErr
	}
	old, ok := f.tenants[tenant][rec.ID]
	if !ok {
		return vectorindex.ErrNotFound
	}
	if rec.Properties != nil {
		old.Properties = rec.Properties
	}
	if rec.Vector != nil {
		old.Vector = rec.Vector
	}
	f.tenants[tenant][rec.ID] = old
	return nil
}

func (f *fakeIndex) DeleteByID(_ context.Context, tenant, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteByID")
	if err := f.deleteErrFor[id]; err != nil {
		return err
	}
	if _, ok := f.tenants[tenant][id]; !ok {
		return vectorindex.ErrNotFound
	}
	delete(f.tenants[tenant], id)
	return nil
}

func (f *fakeIndex) HybridSearch(_ context.Context, tenant string, _ vectorindex.SearchQuery) ([]vectorindex.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HybridSearch")
	if hits, ok := f.hits[tenant]; ok {
		return hits, nil
	}
	var hits []vectorindex.Hit
	for id, rec := range f.tenants[tenant] {
		h := vectorindex.Hit{ID: id, Score: 0.5}
		if rec.Properties != nil {
			h.Title, h.Description = rec.Properties.Title, rec.Properties.Description
		}
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	return hits, nil
}

func (f *fakeIndex) Length(_ context.Context, tenant string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Length")
	return len(f.tenants[tenant]), nil
}

func (f *fakeIndex) RemoveTenant(_ context.Context, tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveTenant")
	delete(f.tenants, tenant)
	return nil
}

func (f *fakeIndex) Health(context.Context) error           { return nil }
func (f *fakeIndex) EnsureCollection(context.Context) error { return nil }
func (f *fakeIndex) Close() error                           { return nil }

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

// fakeReranker keeps every candidate in search order, or only those whose
// id is in keep when keep is set.
type fakeReranker struct {
	keep  map[string]bool
	err   error
	seen  []rerank.Candidate
	calls int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, candidates []rerank.Candidate) ([]rerank.Ranked, error) {
	f.calls++
	f.seen = candidates
	if f.err != nil {
		return nil, f.err
	}
	var out []rerank.Ranked
	for _, c := range candidates {
		if f.keep == nil || f.keep[c.ID] {
			out = append(out, rerank.Ranked{Candidate: c, Relevance: 0.9})
		}
	}
	return out, nil
}

// recordingPublisher captures events delivered after commit.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) PublishLater(tx *store.Tx, e events.Event) {
	tx.AfterCommit(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.events = append(p.events, e)
	})
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) last(t events.Type) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i], true
		}
	}
	return events.Event{}, false
}

type fixture struct {
	store     *store.Store
	index     *fakeIndex
	publisher *recordingPublisher
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "issues.db") +
		"?_pragma=busy_timeout(5000)&_time_format=sqlite"
	st, err := store.Open(context.Background(), store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	idx := newFakeIndex()
	pub := &recordingPublisher{}
	m := NewManager(st, idx, pub, nil)
	m.now = func() time.Time { return testNow }

	return &fixture{store: st, index: idx, publisher: pub, manager: m}
}

func (f *fixture) createIssue(t *testing.T, documentUUID, title string) *store.Issue {
	t.Helper()
	issue, err := f.manager.Create(context.Background(), store.NewIssue{
		WorkspaceID:  1,
		ProjectID:    2,
		DocumentUUID: documentUUID,
		Title:        title,
		Description:  title + " description",
	})
	require.NoError(t, err)
	return issue
}

// indexIssue writes the issue's first vector through Update.
func (f *fixture) indexIssue(t *testing.T, issue *store.Issue, vector []float32) *store.Issue {
	t.Helper()
	c, err := issue.Centroid.Add(vector)
	require.NoError(t, err)
	title, desc := issue.Title, issue.Description
	updated, err := f.manager.Update(context.Background(), issue, UpdateInput{
		Title: &title, Description: &desc, Centroid: &c,
	})
	require.NoError(t, err)
	return updated
}

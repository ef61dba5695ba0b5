package vectorindex

import "context"

// Disabled is the index used when no vector store is configured. Every call
// succeeds without doing anything, so only the relational half of each
// operation has an effect.
type Disabled struct{}

var _ Index = Disabled{}

func (Disabled) GetOrCreateTenant(context.Context, string) error      { return nil }
func (Disabled) Exists(context.Context, string, string) (bool, error) { return false, nil }
func (Disabled) Insert(context.Context, string, Record) error         { return nil }
func (Disabled) Update(context.Context, string, Record) error         { return nil }
func (Disabled) DeleteByID(context.Context, string, string) error     { return nil }
func (Disabled) Length(context.Context, string) (int, error)          { return 0, nil }
func (Disabled) RemoveTenant(context.Context, string) error           { return nil }
func (Disabled) Health(context.Context) error                         { return nil }
func (Disabled) EnsureCollection(context.Context) error               { return nil }
func (Disabled) Close() error                                         { return nil }

func (Disabled) HybridSearch(context.Context, string, SearchQuery) ([]Hit, error) {
	return nil, nil
}

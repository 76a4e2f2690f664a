// internal/domain/plan/repository.go
package plan

import "context"

type Repository interface {
	// Create returns xerrors.ErrDuplicateEntry when the name is taken.
	Create(ctx context.Context, p *Plan) error
	FindByID(ctx context.Context, id string) (*Plan, error)
	FindByName(ctx context.Context, name string) (*Plan, error)
	ListPublic(ctx context.Context) ([]Plan, error)
}

type ModuleRepository interface {
	FindByKeys(ctx context.Context, keys []string) ([]Module, error)
	List(ctx context.Context) ([]Module, error)
}

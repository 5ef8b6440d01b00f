package billing

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberHub/app/repository"
)

// Store gives the service its repositories and a way to run several writes
// as one unit.
type Store interface {
	Repos() *repository.Repositories
	// WithinTransaction runs fn against repositories bound to one database
	// transaction. Returning an error rolls everything back.
	WithinTransaction(ctx context.Context, fn func(repos *repository.Repositories) error) error
}

type gormStore struct {
	factory *repository.Factory
}

// NewStore creates a billing store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{factory: repository.NewFactory(db)}
}

func (s *gormStore) Repos() *repository.Repositories {
	return s.factory.GetRepositories()
}

func (s *gormStore) WithinTransaction(ctx context.Context, fn func(repos *repository.Repositories) error) error {
	return s.factory.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repository.NewRepositories(tx))
	})
}

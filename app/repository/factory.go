package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory hands out one shared set of repositories for a database handle.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetRepositories returns the shared repositories, building them on first use.
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// DB exposes the handle the factory was built on, for callers that need to
// open a transaction and build scoped repositories from it.
func (f *Factory) DB() *gorm.DB {
	return f.db
}

package catalog

import "context"

// ProductReader abstracts repository operations for the service.
type ProductReader interface {
	GetByID(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, limit int) ([]Product, error)
}

// Service exposes business-level catalog operations.
type Service struct {
	repo ProductReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProductReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the product for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Product, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit products.
func (s *Service) List(ctx context.Context, limit int) ([]Product, error) {
	return s.repo.List(ctx, limit)
}

package listings

import (
	"context"

	"github.com/Domenick1991/staybook/internal/domain"
	"github.com/Domenick1991/staybook/internal/repository"
	"go.uber.org/zap"
)

type ListingUseCase interface {
	List(ctx context.Context) ([]domain.Listing, error)
	GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error)
}

type ListingCache interface {
	GetListings(ctx context.Context) ([]domain.Listing, error)
	SetListings(ctx context.Context, listings []domain.Listing) error
	GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error)
	SetListing(ctx context.Context, listing *domain.Listing) error
}

// ListingService reads the catalog read model through a Redis cache. Cache
// failures fall back to the database.
type ListingService struct {
	repo  repository.ListingRepository
	cache ListingCache
	log   *zap.Logger
}

func NewListingService(repo repository.ListingRepository, cache ListingCache, log *zap.Logger) *ListingService {
	return &ListingService{repo: repo, cache: cache, log: log}
}

func (s *ListingService) List(ctx context.Context) ([]domain.Listing, error) {
	if s.cache != nil {
		cached, err := s.cache.GetListings(ctx)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.log.Warn("listings cache read", zap.Error(err))
		}
	}

	listings, err := s.repo.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetListings(ctx, listings); err != nil {
			s.log.Warn("listings cache write", zap.Error(err))
		}
	}
	return listings, nil
}

func (s *ListingService) GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error) {
	if !ref.Kind.Valid() || ref.ID == "" {
		return nil, domain.NewValidationError("listing_ref", "is invalid")
	}
	if s.cache != nil {
		cached, err := s.cache.GetListing(ctx, ref)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.log.Warn("listing cache read", zap.String("listing", ref.String()), zap.Error(err))
		}
	}

	listing, err := s.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetListing(ctx, listing); err != nil {
			s.log.Warn("listing cache write", zap.String("listing", ref.String()), zap.Error(err))
		}
	}
	return listing, nil
}

var _ ListingUseCase = (*ListingService)(nil)

package library

import (
	"context"
	"sort"

	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

const (
	recommendationSeeds = 5
	recommendationLimit = 24
)

// SimilarFetcher returns catalog titles similar to the given one.
type SimilarFetcher interface {
	Similar(ctx context.Context, key models.ItemKey) ([]models.LibraryItem, error)
}

// Recommender derives the recommendations list from recent history.
type Recommender struct {
	store   *Store
	fetcher SimilarFetcher
	logger  *logrus.Logger
	seeds   int
	limit   int
}

func NewRecommender(store *Store, fetcher SimilarFetcher, logger *logrus.Logger, limit int) *Recommender {
	if limit <= 0 {
		limit = recommendationLimit
	}
	return &Recommender{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		seeds:   recommendationSeeds,
		limit:   limit,
	}
}

// Refresh looks up similar titles for the most recent history entries and
// stores the best rated ones that have not been watched yet. A failed lookup
// for one seed only loses that seed's candidates.
func (r *Recommender) Refresh(ctx context.Context) ([]models.LibraryItem, error) {
	history := r.store.Get(models.History)
	if len(history) == 0 {
		return nil, nil
	}

	seeds := history
	if len(seeds) > r.seeds {
		seeds = seeds[:r.seeds]
	}

	p := pool.NewWithResults[[]models.LibraryItem]().WithMaxGoroutines(len(seeds))
	for _, seed := range seeds {
		key := seed.Key()
		p.Go(func() []models.LibraryItem {
			similar, err := r.fetcher.Similar(ctx, key)
			if err != nil {
				r.logger.WithError(err).WithField("seed", key.String()).Warn("Failed to fetch similar titles")
				return nil
			}
			return similar
		})
	}
	results := p.Wait()

	watched := make(map[models.ItemKey]bool, len(history))
	for _, item := range history {
		watched[item.Key()] = true
	}

	picked := make(map[models.ItemKey]bool)
	var candidates []models.LibraryItem
	for _, batch := range results {
		for _, item := range batch {
			if item.Validate() != nil || watched[item.Key()] || picked[item.Key()] {
				continue
			}
			picked[item.Key()] = true
			candidates = append(candidates, item)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].VoteAverage > candidates[j].VoteAverage
	})
	if len(candidates) > r.limit {
		candidates = candidates[:r.limit]
	}

	if err := r.store.SetRecommendations(candidates); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"seeds":           len(seeds),
		"recommendations": len(candidates),
	}).Info("Recommendations refreshed")

	return candidates, nil
}

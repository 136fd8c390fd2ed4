package library

import (
	"context"
	"errors"
	"testing"

	"streamflix/internal/kvstore"
	"streamflix/pkg/models"
)

type fakeCatalog map[models.ItemKey][]models.LibraryItem

func (f fakeCatalog) Similar(ctx context.Context, key models.ItemKey) ([]models.LibraryItem, error) {
	items, ok := f[key]
	if !ok {
		return nil, errors.New("catalog unavailable")
	}
	return items, nil
}

func rated(id int, vote float64) models.LibraryItem {
	return models.LibraryItem{ID: id, MediaType: models.MediaMovie, VoteAverage: vote}
}

func TestRecommenderRanksUnwatchedSimilarTitles(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore(), testLogger())
	for id := 1; id <= 6; id++ {
		store.Add(models.History, movie(id))
	}
	// history is now 6,5,4,3,2,1; seeds are 6..2

	catalog := fakeCatalog{
		{ID: 6, MediaType: models.MediaMovie}: {rated(100, 7.1), rated(1, 9.9), rated(101, 8.0)},
		{ID: 5, MediaType: models.MediaMovie}: {rated(101, 8.0), rated(102, 6.0)},
		{ID: 4, MediaType: models.MediaMovie}: {rated(103, 9.0)},
		{ID: 3, MediaType: models.MediaMovie}: {},
		// id 2 fails; id 1 is not a seed
		{ID: 1, MediaType: models.MediaMovie}: {rated(999, 10)},
	}

	rec := NewRecommender(store, catalog, testLogger(), 3)
	got, err := rec.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	want := []int{103, 101, 100}
	if len(got) != len(want) {
		t.Fatalf("Expected %d recommendations, got %v", len(want), got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Position %d: expected %d, got %d", i, id, got[i].ID)
		}
	}

	stored := store.Get(models.Recommendations)
	if len(stored) != 3 || stored[0].ID != 103 {
		t.Errorf("Expected recommendations to be stored, got %v", stored)
	}
}

func TestRecommenderWithEmptyHistory(t *testing.T) {
	store := NewStore(kvstore.NewMemoryStore(), testLogger())
	got, err := NewRecommender(store, fakeCatalog{}, testLogger(), 0).Refresh(context.Background())
	if err != nil || got != nil {
		t.Errorf("Expected nothing for empty history, got %v err=%v", got, err)
	}
}

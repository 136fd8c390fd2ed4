package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamflix/internal/identity"
	"streamflix/internal/kvstore"
	"streamflix/internal/library"
	"streamflix/internal/remote"
	"streamflix/pkg/models"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func movie(id int) models.LibraryItem {
	return models.LibraryItem{ID: id, MediaType: models.MediaMovie}
}

type fixture struct {
	kv     *kvstore.MemoryStore
	store  *library.Store
	remote remote.Store
	coord  *Coordinator
}

func newFixture(t *testing.T, rs remote.Store) *fixture {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	kv.Set(identity.DeviceIDKey, "dev-1")
	store := library.NewStore(kv, testLogger())
	coord := New(store, rs, identity.NewProvider(kv, testLogger()), testLogger())
	return &fixture{kv: kv, store: store, remote: rs, coord: coord}
}

// putCall is one Put held until the test releases it.
type putCall struct {
	owner   string
	payload models.LibraryPayload
	release chan struct{}
	landed  chan struct{}
}

// gatedRemote lets a test decide the order in which pushes land.
type gatedRemote struct {
	calls chan *putCall

	mu     sync.Mutex
	stored map[string]models.LibraryPayload
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{calls: make(chan *putCall, 8), stored: make(map[string]models.LibraryPayload)}
}

func (g *gatedRemote) Get(ctx context.Context, owner string) (*models.LibraryPayload, error) {
	return nil, nil
}

func (g *gatedRemote) Put(ctx context.Context, owner string, payload models.LibraryPayload) error {
	call := &putCall{owner: owner, payload: payload, release: make(chan struct{}), landed: make(chan struct{})}
	g.calls <- call
	<-call.release

	g.mu.Lock()
	g.stored[owner] = payload
	g.mu.Unlock()
	close(call.landed)
	return nil
}

func (g *gatedRemote) next(t *testing.T) *putCall {
	t.Helper()
	select {
	case call := <-g.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a push")
		return nil
	}
}

type failingRemote struct {
	gets int
	mu   sync.Mutex
}

func (f *failingRemote) Get(ctx context.Context, owner string) (*models.LibraryPayload, error) {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()
	return nil, errors.New("network unreachable")
}

func (f *failingRemote) Put(ctx context.Context, owner string, payload models.LibraryPayload) error {
	return errors.New("network unreachable")
}

func TestRemoteWinsOnLogin(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.Put(context.Background(), "user-1", models.LibraryPayload{
		Favorites: []models.LibraryItem{movie(2)},
	})

	f := newFixture(t, rs)
	ctx := context.Background()
	if err := f.coord.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.coord.Stop()

	f.store.Add(models.Favorites, movie(1))
	f.store.Add(models.History, movie(3))
	f.coord.Wait()

	if err := f.coord.BeginAuthentication(); err != nil {
		t.Fatalf("BeginAuthentication failed: %v", err)
	}
	if err := f.coord.CompleteAuthentication(ctx, "user-1"); err != nil {
		t.Fatalf("CompleteAuthentication failed: %v", err)
	}

	favorites := f.store.Get(models.Favorites)
	if len(favorites) != 1 || favorites[0].ID != 2 {
		t.Errorf("Expected remote favorites [2], got %v", favorites)
	}
	if history := f.store.Get(models.History); len(history) != 1 || history[0].ID != 3 {
		t.Errorf("Empty remote history must not replace local history, got %v", history)
	}
	if got := f.coord.State(); got.Phase != PhaseAuthenticated || got.UserID != "user-1" {
		t.Errorf("Unexpected state %+v", got)
	}
}

func TestPushUsesCurrentOwner(t *testing.T) {
	rs := remote.NewMemoryStore()
	f := newFixture(t, rs)
	ctx := context.Background()
	f.coord.Start(ctx)
	defer f.coord.Stop()

	t.Run("Anonymous", func(t *testing.T) {
		f.store.Add(models.Favorites, movie(1))
		waitFor(t, func() bool {
			p, _ := rs.Get(ctx, "device:dev-1")
			return p != nil && len(p.Favorites) == 1
		})
	})

	t.Run("Authenticated", func(t *testing.T) {
		f.coord.CompleteAuthentication(ctx, "user-9")
		f.store.Add(models.Downloads, movie(5))
		waitFor(t, func() bool {
			p, _ := rs.Get(ctx, "user-9")
			return p != nil && len(p.Downloads) == 1 && len(p.Favorites) == 1
		})
	})

	t.Run("BackToDevice", func(t *testing.T) {
		f.coord.Logout()
		f.store.Remove(models.Favorites, 1, models.MediaMovie)
		waitFor(t, func() bool {
			p, _ := rs.Get(ctx, "device:dev-1")
			return p != nil && len(p.Favorites) == 0 && len(p.Downloads) == 1
		})
		p, _ := rs.Get(ctx, "user-9")
		if len(p.Favorites) != 1 {
			t.Error("Pushes after logout must not touch the user record")
		}
	})
}

func TestNoPushWhileAuthenticating(t *testing.T) {
	g := newGatedRemote()
	f := newFixture(t, g)
	f.coord.Start(context.Background())
	defer f.coord.Stop()

	f.coord.BeginAuthentication()
	f.store.Add(models.Favorites, movie(1))

	time.Sleep(50 * time.Millisecond)

	select {
	case call := <-g.calls:
		t.Fatalf("Unexpected push to %s while authenticating", call.owner)
	default:
	}

	if err := f.coord.Flush(context.Background()); err == nil {
		t.Error("Flush should refuse while authenticating")
	}

	if err := f.coord.FailAuthentication(); err != nil {
		t.Fatalf("FailAuthentication failed: %v", err)
	}
	if f.coord.State().Phase != PhaseAnonymous {
		t.Error("Expected anonymous after failed sign-in")
	}
	if err := f.coord.FailAuthentication(); !errors.Is(err, ErrNotAuthenticating) {
		t.Errorf("Expected ErrNotAuthenticating, got %v", err)
	}
}

func TestLastLandingPushWins(t *testing.T) {
	g := newGatedRemote()
	f := newFixture(t, g)
	f.coord.Start(context.Background())

	f.store.Add(models.Favorites, movie(1)) // state A
	first := g.next(t)

	f.store.Add(models.Favorites, movie(2)) // state B
	second := g.next(t)

	if len(first.payload.Favorites) != 1 || len(second.payload.Favorites) != 2 {
		t.Fatalf("Each push should carry the full state at its time: %v / %v", first.payload.Favorites, second.payload.Favorites)
	}

	close(second.release)
	<-second.landed
	close(first.release)
	f.coord.Stop()

	g.mu.Lock()
	stored := g.stored["device:dev-1"]
	g.mu.Unlock()
	if len(stored.Favorites) != 1 || stored.Favorites[0].ID != 1 {
		t.Errorf("Expected state A to win after landing last, got %v", stored.Favorites)
	}
}

func TestAnonymousStartupSeedsOnlyUnwrittenCollections(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.Put(context.Background(), "device:dev-1", models.LibraryPayload{
		Favorites: []models.LibraryItem{movie(10)},
		History:   []models.LibraryItem{movie(11)},
	})

	f := newFixture(t, rs)
	f.store.Clear(models.History) // written locally, even though empty

	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.coord.Stop()

	if favorites := f.store.Get(models.Favorites); len(favorites) != 1 || favorites[0].ID != 10 {
		t.Errorf("Expected favorites seeded from device record, got %v", favorites)
	}
	if history := f.store.Get(models.History); len(history) != 0 {
		t.Errorf("Locally written history must not be overwritten, got %v", history)
	}
}

func TestRemoteFailuresAreSwallowed(t *testing.T) {
	rs := &failingRemote{}
	f := newFixture(t, rs)

	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start should survive an unreachable remote: %v", err)
	}
	if err := f.coord.CompleteAuthentication(context.Background(), "user-1"); err != nil {
		t.Fatalf("Login pull failures should not surface: %v", err)
	}
	if err := f.store.Add(models.Favorites, movie(1)); err != nil {
		t.Fatalf("Local writes must not depend on the remote: %v", err)
	}
	f.coord.Stop()

	if !f.store.Contains(models.Favorites, 1, models.MediaMovie) {
		t.Error("Local state should be untouched by remote failures")
	}
	if rs.gets != 2 {
		t.Errorf("Expected startup and login pulls, got %d", rs.gets)
	}
}

func TestPulledChangesAreNotPushedBack(t *testing.T) {
	g := newGatedRemote()
	f := newFixture(t, g)
	f.coord.Start(context.Background())
	defer f.coord.Stop()

	f.store.Apply(map[models.Collection][]models.LibraryItem{
		models.Favorites: {movie(4)},
	}, library.OriginRemote)
	time.Sleep(50 * time.Millisecond)

	select {
	case call := <-g.calls:
		close(call.release)
		t.Fatal("A remote-origin change should not trigger a push")
	default:
	}
}

func TestLifecycleErrors(t *testing.T) {
	f := newFixture(t, remote.NewMemoryStore())

	if err := f.coord.BeginAuthentication(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
	f.coord.Start(context.Background())
	defer f.coord.Stop()

	if err := f.coord.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if err := f.coord.CompleteAuthentication(context.Background(), ""); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("Expected ErrInvalidUser, got %v", err)
	}
	if err := f.coord.Resume(context.Background(), "user-3"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if owner, ok := f.coord.State().OwnerKey(); !ok || owner != "user-3" {
		t.Errorf("Expected owner user-3, got %s", owner)
	}
}

func TestResumePullsUserLibrary(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	rs.Put(ctx, "user-4", models.LibraryPayload{
		Favorites: []models.LibraryItem{movie(1), movie(2)},
	})
	f := newFixture(t, rs)
	f.store.Add(models.Favorites, movie(1))

	if err := f.coord.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.coord.Stop()

	if err := f.coord.Resume(ctx, "user-4"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got := f.store.Get(models.Favorites); len(got) != 2 {
		t.Errorf("Expected the resumed session to pull two favorites, got %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}

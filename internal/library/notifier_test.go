package library

import (
	"testing"

	"streamflix/pkg/models"
)

func TestNotifierDeliversToAllListeners(t *testing.T) {
	n := NewNotifier()
	a := n.Subscribe()
	b := n.Subscribe()

	n.Publish(Change{Collections: []models.Collection{models.Favorites}})

	for name, ch := range map[string]<-chan Change{"a": a, "b": b} {
		select {
		case change := <-ch:
			if change.Collections[0] != models.Favorites {
				t.Errorf("Listener %s got %+v", name, change)
			}
		default:
			t.Errorf("Listener %s got nothing", name)
		}
	}
}

func TestNotifierNeverBlocks(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()

	for i := 0; i < 100; i++ {
		n.Publish(Change{})
	}

	if len(ch) != cap(ch) {
		t.Errorf("Expected a full buffer, got %d/%d", len(ch), cap(ch))
	}
	if n.Listeners() != 1 {
		t.Error("A slow listener must stay subscribed")
	}
}

func TestUnsubscribeKeepsBufferedChanges(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()
	n.Publish(Change{Origin: OriginRemote})
	n.Unsubscribe(ch)

	change, ok := <-ch
	if !ok || change.Origin != OriginRemote {
		t.Fatalf("Expected buffered change before close, got %+v ok=%v", change, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}
	if n.Listeners() != 0 {
		t.Error("Expected no listeners")
	}
}

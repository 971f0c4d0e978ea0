package testsupport

import (
	"context"
	"fmt"
	"testing"

	"engraver/internal/config"
	"engraver/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Enqueue adds a G-code job for itemRef using the provided store.
func Enqueue(t testing.TB, store *queue.Store, itemRef string) *queue.Job {
	t.Helper()

	job, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		ItemRef:     itemRef,
		ArtifactRef: fmt.Sprintf("/srv/artifacts/%s.gcode", itemRef),
	})
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return job
}

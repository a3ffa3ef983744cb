package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/basket/go-seldon/internal/persistence"
)

type fakeDispatchStore struct {
	unrouted  []persistence.Message
	routed    map[string]string
	failed    map[string]bool
	decisions []persistence.RoutingDecision
	tasks     []persistence.NewTask
	taskErr   error
}

func newFakeDispatchStore(msgs ...persistence.Message) *fakeDispatchStore {
	return &fakeDispatchStore{
		unrouted: msgs,
		routed:   map[string]string{},
		failed:   map[string]bool{},
	}
}

func (f *fakeDispatchStore) UnroutedMessages(_ context.Context, limit int) ([]persistence.Message, error) {
	var out []persistence.Message
	for _, m := range f.unrouted {
		if f.routed[m.ID] != "" || f.failed[m.ID] {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDispatchStore) MarkRouted(_ context.Context, messageID, agentID string) (bool, error) {
	if f.routed[messageID] != "" {
		return false, nil
	}
	f.routed[messageID] = agentID
	return true, nil
}

func (f *fakeDispatchStore) MarkRoutingFailed(_ context.Context, messageID string) error {
	f.failed[messageID] = true
	return nil
}

func (f *fakeDispatchStore) RecordRoutingDecision(_ context.Context, messageID, agentID string, score float64, fallback bool) error {
	f.decisions = append(f.decisions, persistence.RoutingDecision{
		MessageID: messageID, AgentID: agentID, Score: score, Fallback: fallback,
	})
	return nil
}

func (f *fakeDispatchStore) CreateTask(_ context.Context, nt persistence.NewTask) (string, error) {
	if f.taskErr != nil {
		return "", f.taskErr
	}
	f.tasks = append(f.tasks, nt)
	return fmt.Sprintf("task-%d", len(f.tasks)), nil
}

func TestDispatchRoutesAboveThreshold(t *testing.T) {
	store := newFakeDispatchStore(persistence.Message{ID: "m1", Content: "@daneel check disk usage"})
	d := NewDispatcher(store, []Profile{opsProfile()}, nil, nil, nil, DispatcherOptions{})

	if err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.routed["m1"] != "daneel" {
		t.Errorf("routed to %q, want daneel", store.routed["m1"])
	}
	if len(store.tasks) != 1 || store.tasks[0].AssignedTo != "daneel" {
		t.Fatalf("tasks = %+v", store.tasks)
	}
	if len(store.decisions) != 1 || store.decisions[0].Fallback {
		t.Errorf("decisions = %+v", store.decisions)
	}
}

func TestDispatchFallsBackBelowThreshold(t *testing.T) {
	store := newFakeDispatchStore(persistence.Message{ID: "m1", Content: "ambiguous question about nothing"})
	d := NewDispatcher(store, []Profile{opsProfile(), researchProfile()}, nil, nil, nil, DispatcherOptions{})

	if err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.routed["m1"] != "seldon" {
		t.Errorf("routed to %q, want fallback seldon", store.routed["m1"])
	}
	if len(store.decisions) != 1 || !store.decisions[0].Fallback {
		t.Errorf("decisions = %+v", store.decisions)
	}
	meta := store.tasks[0].Metadata
	if meta["fallback"] != true {
		t.Errorf("task metadata missing fallback flag: %v", meta)
	}
}

func TestDispatchSkipsProcessedIDs(t *testing.T) {
	store := newFakeDispatchStore(persistence.Message{ID: "m1", Content: "@daneel disk"})
	d := NewDispatcher(store, []Profile{opsProfile()}, nil, nil, nil, DispatcherOptions{})

	if err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Simulate the store still returning the message (e.g. replica lag).
	store.routed = map[string]string{}
	if err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(store.tasks) != 1 {
		t.Errorf("created %d tasks, want 1", len(store.tasks))
	}
}

func TestDispatchMarksFailedOnError(t *testing.T) {
	store := newFakeDispatchStore(persistence.Message{ID: "m1", Content: "@daneel disk"})
	store.taskErr = fmt.Errorf("db down")
	d := NewDispatcher(store, []Profile{opsProfile()}, nil, nil, nil, DispatcherOptions{})

	if err := d.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !store.failed["m1"] {
		t.Error("message not marked routing_failed after task creation error")
	}
}

func TestProcessedIDPruning(t *testing.T) {
	d := NewDispatcher(newFakeDispatchStore(), nil, nil, nil, nil, DispatcherOptions{})
	for i := 0; i <= maxProcessedIDs; i++ {
		d.markProcessed(fmt.Sprintf("m%d", i))
	}
	if len(d.processed) > maxProcessedIDs {
		t.Errorf("processed set size %d exceeds cap", len(d.processed))
	}
	if _, ok := d.processed["m0"]; ok {
		t.Error("oldest id survived pruning")
	}
	if _, ok := d.processed[fmt.Sprintf("m%d", maxProcessedIDs)]; !ok {
		t.Error("newest id was pruned")
	}
}

package database

import (
	"context"
	"testing"
	"time"
)

func TestEventStore_CameraEvents(t *testing.T) {
	store := NewEventStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	events := []CameraEvent{
		{ID: "e1", CameraID: "camera_1", FromState: "stopped", ToState: "connecting", OccurredAt: base},
		{ID: "e2", CameraID: "camera_1", FromState: "connecting", ToState: "running", Reason: "connected", OccurredAt: base.Add(time.Second)},
		{ID: "e3", CameraID: "camera_2", FromState: "running", ToState: "failed", OccurredAt: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := store.InsertCameraEvent(ctx, ev); err != nil {
			t.Fatalf("Failed to insert event: %v", err)
		}
	}

	got, err := store.CameraEvents(ctx, "camera_1", 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].ID != "e2" || got[1].ID != "e1" {
		t.Errorf("Expected newest first, got %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Reason != "connected" {
		t.Errorf("Expected reason 'connected', got %q", got[0].Reason)
	}
	if !got[0].OccurredAt.Equal(base.Add(time.Second)) {
		t.Errorf("Expected time %v, got %v", base.Add(time.Second), got[0].OccurredAt)
	}

	all, err := store.CameraEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(all) != 2 || all[0].ID != "e3" {
		t.Errorf("Expected limit 2 newest first, got %+v", all)
	}

	none, err := store.CameraEvents(ctx, "camera_9", 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", none)
	}
}

func TestEventStore_DuplicateID(t *testing.T) {
	store := NewEventStore(setupTestDB(t))
	ev := CameraEvent{ID: "dup", CameraID: "camera_1", FromState: "stopped", ToState: "connecting", OccurredAt: time.Now()}

	if err := store.InsertCameraEvent(context.Background(), ev); err != nil {
		t.Fatalf("Failed to insert event: %v", err)
	}
	if err := store.InsertCameraEvent(context.Background(), ev); err == nil {
		t.Error("Expected duplicate id to be rejected")
	}
}

func TestEventStore_HealthRecords(t *testing.T) {
	store := NewEventStore(setupTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := store.InsertHealthRecord(ctx, HealthRecord{
		ID:        "h1",
		Total:     3,
		Healthy:   2,
		Unhealthy: []string{"camera_2"},
		CheckedAt: at,
	}); err != nil {
		t.Fatalf("Failed to insert health record: %v", err)
	}

	records, err := store.HealthRecords(ctx, 5)
	if err != nil {
		t.Fatalf("Failed to list health records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Total != 3 || r.Healthy != 2 {
		t.Errorf("Unexpected counts: %+v", r)
	}
	if len(r.Unhealthy) != 1 || r.Unhealthy[0] != "camera_2" {
		t.Errorf("Unexpected unhealthy list: %v", r.Unhealthy)
	}
	if r.Failed == nil || len(r.Failed) != 0 {
		t.Errorf("Expected empty failed list, got %v", r.Failed)
	}
	if !r.CheckedAt.Equal(at) {
		t.Errorf("Expected %v, got %v", at, r.CheckedAt)
	}
}

func TestEventStore_Prune(t *testing.T) {
	store := NewEventStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	old := CameraEvent{ID: "old", CameraID: "camera_1", FromState: "running", ToState: "failed", OccurredAt: now.Add(-48 * time.Hour)}
	fresh := CameraEvent{ID: "fresh", CameraID: "camera_1", FromState: "failed", ToState: "connecting", OccurredAt: now}
	for _, ev := range []CameraEvent{old, fresh} {
		if err := store.InsertCameraEvent(ctx, ev); err != nil {
			t.Fatalf("Failed to insert event: %v", err)
		}
	}
	if err := store.InsertHealthRecord(ctx, HealthRecord{ID: "h-old", CheckedAt: now.Add(-72 * time.Hour)}); err != nil {
		t.Fatalf("Failed to insert health record: %v", err)
	}

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 pruned rows, got %d", n)
	}

	events, err := store.CameraEvents(ctx, "camera_1", 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("Expected only the fresh event, got %+v", events)
	}
}

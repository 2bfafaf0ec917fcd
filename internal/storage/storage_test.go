package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"frameforge/internal/calib"
	"frameforge/internal/frame"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "frameforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var night = time.Date(2015, 10, 1, 20, 0, 0, 0, time.UTC)

func record(id string, kind frame.ObservationType, from time.Time) calib.MasterRecord {
	return calib.MasterRecord{
		ID:             id,
		Kind:           kind,
		FingerprintKey: "kb74|2x2|full_frame||",
		Epoch:          frame.EpochOf(from),
		ObservedAt:     from.Add(time.Hour),
		ValidFrom:      from,
		ValidUntil:     from.Add(2 * time.Hour),
		CreatedAt:      from.Add(12 * time.Hour),
		Location:       "masters/" + id + ".ffm",
		NInputs:        5,
		Current:        true,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job-1", JobType: "reduce", Status: "queued", ObservationType: "science", FrameIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("job-1", "failed", map[string]any{"stage": "dark-subtract"}, "no matching calibration frame"); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	j := jobs[0]
	if j.Status != "failed" || j.StartedAt == nil || j.CompletedAt == nil || len(j.FrameIDs) != 2 {
		t.Fatalf("unexpected job record: %+v", j)
	}
	meta, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["stage"] != "dark-subtract" {
		t.Fatalf("meta = %v", meta)
	}
}

func TestInsertOrSupersede(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := record("bias-a", frame.Bias, night)
	out, err := s.InsertOrSupersede(ctx, first)
	if err != nil || out.Outcome != calib.Accepted {
		t.Fatalf("first insert: %+v %v", out, err)
	}

	other := record("bias-old", frame.Bias, night.Add(-48*time.Hour))
	if out, err := s.InsertOrSupersede(ctx, other); err != nil || out.Outcome != calib.Accepted {
		t.Fatalf("other epoch: %+v %v", out, err)
	}

	second := record("bias-b", frame.Bias, night.Add(30*time.Minute))
	out, err = s.InsertOrSupersede(ctx, second)
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if out.Outcome != calib.Superseded || out.Previous != "bias-a" {
		t.Fatalf("outcome = %+v", out)
	}

	current, err := s.Query(ctx, frame.Bias, first.FingerprintKey)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(current) != 2 || current[0].ID != "bias-b" || current[1].ID != "bias-old" {
		t.Fatalf("current = %+v", current)
	}
	if !current[0].ValidFrom.Equal(second.ValidFrom) || current[0].NInputs != 5 {
		t.Fatalf("round trip lost fields: %+v", current[0])
	}

	all, err := s.ListMasters(ctx, MasterFilter{Kind: frame.Bias, IncludeSuperseded: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list = %d records", len(all))
	}
	old, err := s.Master(ctx, "bias-a")
	if err != nil || old.Current {
		t.Fatalf("superseded record: %+v %v", old, err)
	}
}

func TestReinsertSameMasterIsAccepted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := record("dark-a", frame.Dark, night)
	if _, err := s.InsertOrSupersede(ctx, rec); err != nil {
		t.Fatal(err)
	}
	out, err := s.InsertOrSupersede(ctx, rec)
	if err != nil || out.Outcome != calib.Accepted || out.Previous != "" {
		t.Fatalf("reinsert: %+v %v", out, err)
	}
}

func TestConcurrentSupersedeLeavesOneCurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record(fmt.Sprintf("flat-%d", i), frame.Flat, night.Add(time.Duration(i)*time.Minute))
			if _, err := s.InsertOrSupersede(ctx, rec); err != nil {
				t.Errorf("insert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	current, err := s.Query(ctx, frame.Flat, "kb74|2x2|full_frame||")
	if err != nil {
		t.Fatal(err)
	}
	if len(current) != 1 {
		t.Fatalf("expected exactly one current flat, got %d", len(current))
	}
}

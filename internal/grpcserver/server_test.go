package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"frameforge/internal/calib"
	"frameforge/internal/frame"
	"frameforge/internal/pipeline"
	"frameforge/internal/storage"
)

type fakeQueue struct {
	err  error
	jobs []pipeline.Job
}

func (q *fakeQueue) Submit(job pipeline.Job) (pipeline.Job, error) {
	if err := job.Validate(); err != nil {
		return job, err
	}
	if q.err != nil {
		return job, q.err
	}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type fakeMasters []calib.MasterRecord

func (m fakeMasters) ListMasters(_ context.Context, f storage.MasterFilter) ([]calib.MasterRecord, error) {
	var out []calib.MasterRecord
	for _, r := range m {
		if f.Kind == "" || r.Kind == f.Kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func startServer(t *testing.T, q *fakeQueue, masters fakeMasters) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(q, masters, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubmitOverGRPC(t *testing.T) {
	q := &fakeQueue{}
	c := startServer(t, q, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := c.Submit(ctx, pipeline.Job{Type: pipeline.JobBuildMaster, FrameIDs: []string{"d1", "d2"}, ObservationType: frame.Dark})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID == "" || len(q.jobs) != 1 || q.jobs[0].ID != job.ID {
		t.Fatalf("expected job queued with returned id, got %+v / %+v", job, q.jobs)
	}

	_, err = c.Submit(ctx, pipeline.Job{Type: "align", FrameIDs: []string{"x"}})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	q.err = pipeline.ErrQueueFull
	_, err = c.Submit(ctx, pipeline.Job{Type: pipeline.JobReduce, FrameIDs: []string{"s"}})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestListMastersOverGRPC(t *testing.T) {
	at := time.Date(2015, 10, 1, 22, 0, 0, 0, time.UTC)
	masters := fakeMasters{
		{ID: "bias-1", Kind: frame.Bias, Epoch: "20151001", ValidFrom: at, ValidUntil: at, Current: true},
		{ID: "flat-1", Kind: frame.Flat, Epoch: "20151001", ValidFrom: at, ValidUntil: at, Current: true},
	}
	c := startServer(t, &fakeQueue{}, masters)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recs, err := c.ListMasters(ctx, "flat", "", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "flat-1" || !recs[0].ValidFrom.Equal(at) {
		t.Fatalf("unexpected masters %+v", recs)
	}

	if _, err := c.ListMasters(ctx, "science", "", false); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for science, got %v", err)
	}

	resp, err := healthpb.NewHealthClient(c.Conn()).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}
}

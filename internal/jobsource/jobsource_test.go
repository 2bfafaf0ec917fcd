package jobsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"frameforge/internal/frame"
	"frameforge/internal/pipeline"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (f *fakeSubmitter) Enqueue(_ context.Context, job pipeline.Job) (pipeline.Job, error) {
	if err := job.Validate(); err != nil {
		return job, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return job, f.err
	}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeSubmitter) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func TestJSONCodecDecodesWireForm(t *testing.T) {
	payload := []byte(`{"id":"j-1","type":"build-master","frame_ids":["b1","b2","b3"],"observation_type":"BIAS","options":{"epoch":"20151001"}}`)
	job, err := JSONCodec{}.Decode(payload)
	require.NoError(t, err)
	want := pipeline.Job{
		ID:              "j-1",
		Type:            pipeline.JobBuildMaster,
		FrameIDs:        []string{"b1", "b2", "b3"},
		ObservationType: "BIAS",
		Options:         map[string]any{"epoch": "20151001"},
	}
	if diff := cmp.Diff(want, job); diff != "" {
		t.Fatalf("decoded job mismatch (-want +got):\n%s", diff)
	}

	_, err = JSONCodec{}.Decode([]byte(`{"type":"reduce","frame_ids":["a"],"priority":3}`))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestMsgpackCodecUsesJSONFieldNames(t *testing.T) {
	job := pipeline.Job{ID: "m-1", Type: pipeline.JobReduce, FrameIDs: []string{"sci-1"}, Options: map[string]any{"note": "rerun"}}
	data, err := MsgpackCodec{}.Encode(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame_ids")

	got, err := MsgpackCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, []string{"sci-1"}, got.FrameIDs)
	assert.Equal(t, "rerun", got.Options["note"])
}

func TestProtoCodecReadsStructPayload(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"type":      "reduce",
		"frame_ids": []any{"sci-1", "sci-2"},
		"options":   map[string]any{"attempt": 2},
	})
	require.NoError(t, err)
	data, err := proto.Marshal(s)
	require.NoError(t, err)

	job, err := ProtoCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobReduce, job.Type)
	assert.Equal(t, []string{"sci-1", "sci-2"}, job.FrameIDs)
	assert.Equal(t, float64(2), job.Options["attempt"])

	_, err = ProtoCodec{}.Decode([]byte{0xff, 0x01})
	assert.Error(t, err)
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "msgpack", "proto"} {
		c, err := CodecByName(name)
		require.NoError(t, err)
		assert.NotEmpty(t, c.Name())
	}
	_, err := CodecByName("xml")
	assert.Error(t, err)
}

func TestMQTTHandleCountsRejects(t *testing.T) {
	sub := &fakeSubmitter{}
	src := NewMQTTSource(MQTTConfig{Topic: "frameforge/jobs"}, JSONCodec{}, sub, nil)
	ctx := context.Background()

	src.handle(ctx, "frameforge/jobs", []byte(`{"type":"reduce","frame_ids":["sci-1"]}`))
	src.handle(ctx, "frameforge/jobs", []byte(`not json`))
	src.handle(ctx, "frameforge/jobs", []byte(`{"type":"align","frame_ids":["x"]}`))

	stats := src.Stats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(2), stats.Rejected)
	require.Len(t, sub.submitted(), 1)
	assert.NotEmpty(t, sub.submitted()[0].ID)
	assert.Equal(t, "frameforge/jobs/results", src.cfg.ResultTopic())
}

func TestResultPayload(t *testing.T) {
	job := pipeline.Job{ID: "j", Type: pipeline.JobReduce}
	ok := NewResultPayload(pipeline.Result{Job: job, Meta: map[string]any{"frames": 1}})
	assert.Equal(t, "completed", ok.Status)
	failed := NewResultPayload(pipeline.Result{Job: job, Error: errors.New("boom")})
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "boom", failed.Error)
}

type stubImporter struct{ typ frame.ObservationType }

func (s stubImporter) Import(_ context.Context, path string) (*frame.Frame, error) {
	f := frame.New(filepath.Base(path), 2, 2, 1)
	f.Header.Type = s.typ
	return f, nil
}

func TestDropDirSubmitsAndSortsFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.json"), []byte(`{"type":"reduce","frame_ids":["a"]}`), 0o644))

	sub := &fakeSubmitter{}
	d := NewDropDir(dir, sub, stubImporter{typ: frame.Science}, nil)
	d.SetSettle(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"type":"reduce"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sci-7.fits"), []byte("pixels"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, RejectedDir, "bad.json"))
		return err == nil && len(sub.submitted()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	jobs := sub.submitted()
	assert.Equal(t, []string{"sci-7.fits"}, jobs[1].FrameIDs)
	assert.Equal(t, frame.Science, jobs[1].ObservationType)
	assert.FileExists(t, filepath.Join(dir, DoneDir, "early.json"))
	assert.FileExists(t, filepath.Join(dir, DoneDir, "sci-7.fits"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestDropDirLeavesCalibrationFramesForEpochRuns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bias-1.fits"), []byte("pixels"), 0o644))

	sub := &fakeSubmitter{}
	d := NewDropDir(dir, sub, stubImporter{typ: frame.Bias}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "bias-1.fits"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, sub.submitted())
}

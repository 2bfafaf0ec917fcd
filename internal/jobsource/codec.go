// Package jobsource feeds jobs into the pipeline from outside the process:
// an MQTT subscription and a watched drop directory.
package jobsource

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"frameforge/internal/pipeline"
)

// Codec converts jobs to and from message payloads.
type Codec interface {
	Name() string
	Encode(job pipeline.Job) ([]byte, error)
	Decode(data []byte) (pipeline.Job, error)
}

// CodecByName returns the codec for "json" (the default), "msgpack" or "proto".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown job codec %q", name)
	}
}

// JSONCodec uses the job's JSON field names.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(job pipeline.Job) ([]byte, error) { return json.Marshal(job) }

func (JSONCodec) Decode(data []byte) (pipeline.Job, error) {
	var job pipeline.Job
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		return job, fmt.Errorf("decode json job: %w", err)
	}
	return job, nil
}

// MsgpackCodec encodes jobs as msgpack maps keyed by the JSON field names.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(job pipeline.Job) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(job); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (pipeline.Job, error) {
	var job pipeline.Job
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&job); err != nil {
		return job, fmt.Errorf("decode msgpack job: %w", err)
	}
	return job, nil
}

// ProtoCodec carries jobs as a serialized google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(job pipeline.Job) ([]byte, error) {
	s, err := JobToStruct(job)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (ProtoCodec) Decode(data []byte) (pipeline.Job, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return pipeline.Job{}, fmt.Errorf("decode proto job: %w", err)
	}
	return JobFromStruct(&s)
}

// JobToStruct converts a job into a protobuf Struct with its JSON field names.
func JobToStruct(job pipeline.Job) (*structpb.Struct, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// JobFromStruct is the inverse of JobToStruct.
func JobFromStruct(s *structpb.Struct) (pipeline.Job, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return pipeline.Job{}, err
	}
	return JSONCodec{}.Decode(data)
}

// ResultPayload is the wire form of a finished job.
type ResultPayload struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// NewResultPayload summarizes res for publishing.
func NewResultPayload(res pipeline.Result) ResultPayload {
	p := ResultPayload{ID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		p.Status = "failed"
		p.Error = res.Error.Error()
	}
	return p
}

package grpcserver

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"frameforge/internal/calib"
	"frameforge/internal/jobsource"
	"frameforge/internal/pipeline"
)

// Client calls a remote Jobs service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Conn exposes the underlying connection, e.g. for health checks.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Submit queues job remotely and returns it with its assigned ID.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	in, err := jobsource.JobToStruct(job)
	if err != nil {
		return job, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Submit", in, out); err != nil {
		return job, err
	}
	return jobsource.JobFromStruct(out)
}

// ListMasters queries the remote registry. kind and epoch may be empty.
func (c *Client) ListMasters(ctx context.Context, kind, epoch string, all bool) ([]calib.MasterRecord, error) {
	in, err := structpb.NewStruct(map[string]any{"kind": kind, "epoch": epoch, "all": all})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/ListMasters", in, out); err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(out.GetFields()["masters"])
	if err != nil {
		return nil, err
	}
	var recs []calib.MasterRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

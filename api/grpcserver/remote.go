package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"blockd/api/blockpb"
)

// RemoteDevice mounts another blockd's BlockStore API as a local device, so
// one node can use a remote node as its backing disk.
type RemoteDevice struct {
	conn      *grpc.ClientConn
	dev       uint32
	blocksize int
	numblocks uint32
}

// NewRemoteDevice wraps an established client connection. dev names the
// device slot on the remote side.
func NewRemoteDevice(conn *grpc.ClientConn, dev uint32, blocksize int, numblocks uint32) *RemoteDevice {
	return &RemoteDevice{conn: conn, dev: dev, blocksize: blocksize, numblocks: numblocks}
}

func (d *RemoteDevice) BlockSize() int    { return d.blocksize }
func (d *RemoteDevice) NumBlocks() uint32 { return d.numblocks }

func (d *RemoteDevice) ReadBlock(blockno uint32, p []byte) error {
	if len(p) != d.blocksize {
		return fmt.Errorf("remote: buffer size %d != block size %d", len(p), d.blocksize)
	}
	req := &blockpb.ReadRequest{Dev: d.dev, Blockno: blockno}
	resp := new(blockpb.ReadResponse)
	err := d.conn.Invoke(context.Background(), "/"+serviceName+"/Read", req, resp,
		grpc.ForceCodec(blockpb.Codec{}))
	if err != nil {
		return err
	}
	if len(resp.Data) != d.blocksize {
		return fmt.Errorf("remote: block %d came back with %d bytes", blockno, len(resp.Data))
	}
	copy(p, resp.Data)
	return nil
}

func (d *RemoteDevice) WriteBlock(blockno uint32, p []byte) error {
	if len(p) != d.blocksize {
		return fmt.Errorf("remote: buffer size %d != block size %d", len(p), d.blocksize)
	}
	req := &blockpb.WriteRequest{Dev: d.dev, Blockno: blockno, Data: p}
	resp := new(blockpb.WriteResponse)
	return d.conn.Invoke(context.Background(), "/"+serviceName+"/Write", req, resp,
		grpc.ForceCodec(blockpb.Codec{}))
}

func (d *RemoteDevice) Close() error {
	return d.conn.Close()
}

// FetchStats queries the remote node's counters.
func FetchStats(ctx context.Context, conn *grpc.ClientConn) (*blockpb.StatsResponse, error) {
	resp := new(blockpb.StatsResponse)
	err := conn.Invoke(ctx, "/"+serviceName+"/Stats", new(blockpb.StatsRequest), resp,
		grpc.ForceCodec(blockpb.Codec{}))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

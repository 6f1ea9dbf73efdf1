// Package grpcserver exposes the BlockService over gRPC and provides a
// client that mounts a remote blockd as a local device. The service
// descriptor is written by hand against the blockpb codec.
package grpcserver

import (
	"context"
	"log"

	"google.golang.org/grpc"

	"blockd/api/blockpb"
	"blockd/service"
)

// BlockStoreServer is the handler contract for the block API.
type BlockStoreServer interface {
	Read(ctx context.Context, req *blockpb.ReadRequest) (*blockpb.ReadResponse, error)
	Write(ctx context.Context, req *blockpb.WriteRequest) (*blockpb.WriteResponse, error)
	Stats(ctx context.Context, req *blockpb.StatsRequest) (*blockpb.StatsResponse, error)
}

const serviceName = "blockd.BlockStore"

// ServiceDesc is the hand-written grpc descriptor for BlockStore.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BlockStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blockpb",
}

// NewGRPCServer returns a grpc.Server speaking the blockpb codec with the
// BlockStore service registered.
func NewGRPCServer(impl BlockStoreServer) *grpc.Server {
	s := grpc.NewServer(grpc.ForceServerCodec(blockpb.Codec{}))
	s.RegisterService(&ServiceDesc, impl)
	return s
}

func readHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(blockpb.ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockStoreServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Read"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BlockStoreServer).Read(ctx, req.(*blockpb.ReadRequest))
	})
}

func writeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(blockpb.WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockStoreServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Write"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BlockStoreServer).Write(ctx, req.(*blockpb.WriteRequest))
	})
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(blockpb.StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlockStoreServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Stats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BlockStoreServer).Stats(ctx, req.(*blockpb.StatsRequest))
	})
}

// Server adapts BlockService to the BlockStore API.
type Server struct {
	svc *service.BlockService
}

// NewServer wraps a BlockService.
func NewServer(svc *service.BlockService) *Server {
	return &Server{svc: svc}
}

func (s *Server) Read(ctx context.Context, req *blockpb.ReadRequest) (*blockpb.ReadResponse, error) {
	data, err := s.svc.Read(req.Dev, req.Blockno)
	if err != nil {
		return nil, err
	}
	return &blockpb.ReadResponse{Data: data}, nil
}

func (s *Server) Write(ctx context.Context, req *blockpb.WriteRequest) (*blockpb.WriteResponse, error) {
	if err := s.svc.Write(0, req.Dev, req.Blockno, req.Data); err != nil {
		return nil, err
	}
	log.Printf("[grpc] write dev=%d block=%d", req.Dev, req.Blockno)
	return &blockpb.WriteResponse{}, nil
}

func (s *Server) Stats(ctx context.Context, req *blockpb.StatsRequest) (*blockpb.StatsResponse, error) {
	st := s.svc.Stats()
	return &blockpb.StatsResponse{
		Hits:       st.Cache.Hits,
		Misses:     st.Cache.Misses,
		Recycles:   st.Cache.Recycles,
		Migrations: st.Cache.Migrations,
		FreePages:  uint64(st.FreePages),
		JournalSeq: st.JournalSeq,
	}, nil
}

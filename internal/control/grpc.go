package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/playback"
	"github.com/banshee-data/splatseq/internal/security"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "splatseq.v1.Player"

var grpcLogf = monitoring.Tagged("gRPC")

// PlayerService is the gRPC surface of the player. Requests and responses
// are google.protobuf.Struct values holding the same JSON documents as the
// HTTP API.
type PlayerService interface {
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Play(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pause(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Seek(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Load(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// PlayerServiceDesc registers a PlayerService with a grpc.Server.
var PlayerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlayerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetState", PlayerService.GetState),
		unaryMethod("Play", PlayerService.Play),
		unaryMethod("Pause", PlayerService.Pause),
		unaryMethod("Seek", PlayerService.Seek),
		unaryMethod("SetRate", PlayerService.SetRate),
		unaryMethod("Load", PlayerService.Load),
		unaryMethod("Unload", PlayerService.Unload),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

type unaryCall func(PlayerService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PlayerService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(PlayerService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PlayerService).WatchEvents(in, stream)
}

// GRPCServer implements PlayerService on top of a Player.
type GRPCServer struct {
	player  Player
	roots   security.Roots
	timeout time.Duration
}

var _ PlayerService = (*GRPCServer)(nil)

// NewGRPCServer returns a PlayerService sharing the HTTP server's player,
// roots and command timeout.
func NewGRPCServer(s *Server) *GRPCServer {
	return &GRPCServer{player: s.player, roots: s.roots, timeout: s.timeout}
}

// RegisterGRPC registers srv with gs.
func RegisterGRPC(gs *grpc.Server, srv PlayerService) {
	gs.RegisterService(&PlayerServiceDesc, srv)
}

func (g *GRPCServer) GetState(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(g.player.Snapshot())
}

func (g *GRPCServer) Play(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return g.command(ctx, g.player.Play)
}

func (g *GRPCServer) Pause(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return g.command(ctx, g.player.Pause)
}

func (g *GRPCServer) Unload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return g.command(ctx, g.player.Unload)
}

// Seek expects {"index": n}.
func (g *GRPCServer) Seek(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	index, err := intField(req, "index")
	if err != nil {
		return nil, err
	}
	return g.command(ctx, func(ctx context.Context) error { return g.player.Seek(ctx, index) })
}

// SetRate expects {"fps": rate}.
func (g *GRPCServer) SetRate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["fps"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing fps")
	}
	return g.command(ctx, func(ctx context.Context) error { return g.player.SetRate(ctx, v.GetNumberValue()) })
}

// Load expects {"dir": path} and answers with a LoadResponse document.
func (g *GRPCServer) Load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	dir := req.GetFields()["dir"].GetStringValue()
	if dir == "" {
		return nil, status.Error(codes.InvalidArgument, "missing dir")
	}
	if len(g.roots) > 0 {
		var err error
		if dir, err = g.roots.Resolve(dir); err != nil {
			return nil, grpcError(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	seq, err := g.player.LoadDir(ctx, dir)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(LoadResponse{Dir: seq.Dir, Frames: seq.Len(), FPS: seq.FPS, State: g.player.Snapshot()})
}

// WatchEvents streams EventMessage documents until the client cancels or
// the player stops.
func (g *GRPCServer) WatchEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, ch := g.player.Subscribe()
	defer g.player.Unsubscribe(id)
	grpcLogf("event watcher %s connected", id)

	for {
		select {
		case <-ctx.Done():
			grpcLogf("event watcher %s disconnected", id)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, playback.ErrStopped.Error())
			}
			msg, err := toStruct(NewEventMessage(ev))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (g *GRPCServer) command(ctx context.Context, fn func(context.Context) error) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return nil, grpcError(err)
	}
	return toStruct(g.player.Snapshot())
}

func intField(s *structpb.Struct, key string) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "missing %s", key)
	}
	f := v.GetNumberValue()
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
	return int(f), nil
}

// grpcError maps component errors onto status codes.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, playback.ErrInvalidRate):
		code = codes.InvalidArgument
	case errors.Is(err, security.ErrOutsideRoots):
		code = codes.PermissionDenied
	case errors.Is(err, framestore.ErrNotFound), errors.Is(err, conversion.ErrUnknownJob):
		code = codes.NotFound
	case errors.Is(err, playback.ErrNoSequence):
		code = codes.FailedPrecondition
	case errors.Is(err, conversion.ErrOutputExists):
		code = codes.AlreadyExists
	case errors.Is(err, conversion.ErrQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, playback.ErrStopped), errors.Is(err, conversion.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// GRPCClient calls a PlayerService over a client connection.
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewGRPCClient wraps cc.
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req map[string]interface{}, out interface{}) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *GRPCClient) snapshotCall(ctx context.Context, method string, req map[string]interface{}) (playback.Snapshot, error) {
	var snap playback.Snapshot
	err := c.invoke(ctx, method, req, &snap)
	return snap, err
}

func (c *GRPCClient) State(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "GetState", nil)
}

func (c *GRPCClient) Play(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "Play", nil)
}

func (c *GRPCClient) Pause(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "Pause", nil)
}

func (c *GRPCClient) Unload(ctx context.Context) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "Unload", nil)
}

func (c *GRPCClient) Seek(ctx context.Context, index int) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "Seek", map[string]interface{}{"index": index})
}

func (c *GRPCClient) SetRate(ctx context.Context, fps float64) (playback.Snapshot, error) {
	return c.snapshotCall(ctx, "SetRate", map[string]interface{}{"fps": fps})
}

func (c *GRPCClient) Load(ctx context.Context, dir string) (LoadResponse, error) {
	var resp LoadResponse
	err := c.invoke(ctx, "Load", map[string]interface{}{"dir": dir}, &resp)
	return resp, err
}

// EventStream yields events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream cleanly.
func (s *EventStream) Recv() (EventMessage, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return EventMessage{}, err
	}
	var ev EventMessage
	if err := fromStruct(msg, &ev); err != nil {
		return EventMessage{}, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}

// WatchEvents opens an event stream. Cancel ctx to close it.
func (c *GRPCClient) WatchEvents(ctx context.Context) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &PlayerServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

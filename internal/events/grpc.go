package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the gRPC event-stream service carry plain JSON-encoded
// BoxEvents instead of requiring generated protobuf stubs for what is,
// end to end, a single append-only stream of one Go struct. Registered
// globally under the "json" content-subtype; the client selects it
// explicitly via grpc.CallContentSubtype, and the server picks it from
// each incoming request's content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                        { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	eventServiceName = "a3s.events.EventService"
	watchMethod      = "/" + eventServiceName + "/Watch"
)

// WatchRequest selects which events a remote Watch stream receives.
type WatchRequest struct {
	KeyPrefix string `json:"keyPrefix,omitempty"`
	BoxID     string `json:"boxId,omitempty"`
}

func (r WatchRequest) filter() Filter {
	if r.KeyPrefix == "" && r.BoxID == "" {
		return nil
	}
	return func(ev BoxEvent) bool {
		if r.KeyPrefix != "" && !strings.HasPrefix(string(ev.Key), r.KeyPrefix) {
			return false
		}
		if r.BoxID != "" && ev.BoxID != r.BoxID {
			return false
		}
		return true
	}
}

// grpcHandlerType is an empty-interface marker so any *Server satisfies
// grpc.ServiceDesc's HandlerType check — this service has no generated
// client/server interfaces to implement.
type grpcHandlerType any

// Server exposes a Bus over gRPC for `a3s events --grpc`: a single
// server-streaming Watch RPC that streams BoxEvents JSON-encoded.
type Server struct {
	bus *Bus
}

// NewServer wraps bus for gRPC service registration.
func NewServer(bus *Bus) *Server {
	return &Server{bus: bus}
}

// ServiceDesc is the grpc.ServiceDesc a Server registers itself under via
// (*grpc.Server).RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*grpcHandlerType)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)

	var req WatchRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	ch, unsubscribe := s.bus.Subscribe(req.filter())
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Watch opens a remote event stream against a Server registered on conn
// and delivers events to the returned channel until ctx is cancelled or
// the server closes the stream. The channel is closed on exit; any
// terminal error is sent to errc (buffered, capacity 1) before closing.
func Watch(ctx context.Context, conn *grpc.ClientConn, req WatchRequest) (<-chan BoxEvent, <-chan error) {
	out := make(chan BoxEvent)
	errc := make(chan error, 1)

	go func() {
		defer close(out)

		stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}, watchMethod, grpc.CallContentSubtype(jsonCodec{}.Name()))
		if err != nil {
			errc <- err
			return
		}
		if err := stream.SendMsg(&req); err != nil {
			errc <- err
			return
		}
		if err := stream.CloseSend(); err != nil {
			errc <- err
			return
		}

		for {
			var ev BoxEvent
			if err := stream.RecvMsg(&ev); err != nil {
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

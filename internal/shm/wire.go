package shm

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName = "benchrig.shm.v1.SharedMemory"

	// codecName is the gRPC content-subtype both ends negotiate.
	codecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the request and response structs below as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// Envelope is a serializable failure record: what a worker reports when its
// body fails, stored on the server keyed by the worker's pid.
type Envelope struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
	PID     int       `json:"pid"`
	Process string    `json:"process,omitempty"`
	Time    time.Time `json:"time"`
}

// Stats is a snapshot of what the server hosts.
type Stats struct {
	ServerID   string    `json:"server_id"`
	Started    time.Time `json:"started"`
	Locks      []string  `json:"locks"`
	Barriers   []string  `json:"barriers"`
	Namespaces []string  `json:"namespaces"`
	Exceptions []int     `json:"exceptions"`
}

// LockInfo describes a server-hosted mutex.
type LockInfo struct {
	Name           string        `json:"name"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	Owner          string        `json:"owner,omitempty"`
	Depth          int           `json:"depth"`
}

type pingRequest struct{}

type pingResponse struct {
	ServerID string    `json:"server_id"`
	Started  time.Time `json:"started"`
}

type lockRequest struct {
	Name    string        `json:"name"`
	Owner   string        `json:"owner,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type lockResponse struct {
	Acquired bool     `json:"acquired"`
	Info     LockInfo `json:"info"`
}

type barrierRequest struct {
	Name    string        `json:"name"`
	Parties int           `json:"parties,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type barrierResponse struct {
	Parties int `json:"parties"`
	Index   int `json:"index"`
}

type namespaceRequest struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

type namespaceResponse struct {
	ID    string          `json:"id,omitempty"`
	Lock  string          `json:"lock,omitempty"`
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
	Keys  []string        `json:"keys,omitempty"`
}

type exceptionRequest struct {
	PID      int       `json:"pid"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

type exceptionResponse struct {
	Found    bool      `json:"found"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

type statsRequest struct{}

// service is the set of verbs the server answers.
type service interface {
	Ping(context.Context, *pingRequest) (*pingResponse, error)
	OpenLock(context.Context, *lockRequest) (*lockResponse, error)
	AcquireLock(context.Context, *lockRequest) (*lockResponse, error)
	ReleaseLock(context.Context, *lockRequest) (*lockResponse, error)
	OpenBarrier(context.Context, *barrierRequest) (*barrierResponse, error)
	BarrierWait(context.Context, *barrierRequest) (*barrierResponse, error)
	BarrierReset(context.Context, *barrierRequest) (*barrierResponse, error)
	NamespaceOpen(context.Context, *namespaceRequest) (*namespaceResponse, error)
	NamespaceGet(context.Context, *namespaceRequest) (*namespaceResponse, error)
	NamespaceSet(context.Context, *namespaceRequest) (*namespaceResponse, error)
	NamespaceDelete(context.Context, *namespaceRequest) (*namespaceResponse, error)
	NamespaceKeys(context.Context, *namespaceRequest) (*namespaceResponse, error)
	SetException(context.Context, *exceptionRequest) (*exceptionResponse, error)
	GetException(context.Context, *exceptionRequest) (*exceptionResponse, error)
	Stats(context.Context, *statsRequest) (*Stats, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", service.Ping),
		unary("OpenLock", service.OpenLock),
		unary("AcquireLock", service.AcquireLock),
		unary("ReleaseLock", service.ReleaseLock),
		unary("OpenBarrier", service.OpenBarrier),
		unary("BarrierWait", service.BarrierWait),
		unary("BarrierReset", service.BarrierReset),
		unary("NamespaceOpen", service.NamespaceOpen),
		unary("NamespaceGet", service.NamespaceGet),
		unary("NamespaceSet", service.NamespaceSet),
		unary("NamespaceDelete", service.NamespaceDelete),
		unary("NamespaceKeys", service.NamespaceKeys),
		unary("SetException", service.SetException),
		unary("GetException", service.GetException),
		unary("Stats", service.Stats),
	},
	Metadata: "benchrig/shm/v1",
}

// unary adapts a typed service method to a grpc.MethodDesc.
func unary[Req, Resp any](method string, call func(service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(service)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

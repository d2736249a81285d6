// Package protocol declares the RuleStore gRPC service shared by the
// rule store server and the gateway client.
//
// Messages are google.protobuf.Struct documents rather than generated types:
// the rule representation is document-based and owned by the store, and the
// default proto codec carries structpb.Struct without any generated code.
package protocol

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/bus"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rulekeeper.store.v1.RuleStore"

// Method names, one per request topic.
const (
	MethodGetRule        = "GetRule"
	MethodSaveObjectRule = "SaveObjectRule"
	MethodSaveValueRule  = "SaveValueRule"
	MethodReorderRule    = "ReorderRule"
)

// FullMethod returns the "/service/method" path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var topicMethods = map[bus.Topic]string{
	bus.TopicRuleGet:          MethodGetRule,
	bus.TopicRuleCreateObject: MethodSaveObjectRule,
	bus.TopicRuleCreateValue:  MethodSaveValueRule,
	bus.TopicRuleOrder:        MethodReorderRule,
}

// MethodForTopic maps a request topic to its RPC method.
func MethodForTopic(topic bus.Topic) (string, bool) {
	m, ok := topicMethods[topic]
	return m, ok
}

// TopicForMethod maps a full method path back to its request topic.
func TopicForMethod(fullMethod string) (bus.Topic, bool) {
	for topic, m := range topicMethods {
		if FullMethod(m) == fullMethod {
			return topic, true
		}
	}
	return "", false
}

// RuleStoreServer is implemented by the rule store.
type RuleStoreServer interface {
	GetRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveObjectRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveValueRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReorderRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(RuleStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RuleStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RuleStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the RuleStore service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RuleStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodGetRule, RuleStoreServer.GetRule),
		unaryMethod(MethodSaveObjectRule, RuleStoreServer.SaveObjectRule),
		unaryMethod(MethodSaveValueRule, RuleStoreServer.SaveValueRule),
		unaryMethod(MethodReorderRule, RuleStoreServer.ReorderRule),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rulekeeper/store/v1/rule_store",
}

// RegisterRuleStoreServer registers srv on s.
func RegisterRuleStoreServer(s grpc.ServiceRegistrar, srv RuleStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// RuleStoreClient issues RuleStore calls over a client connection.
type RuleStoreClient struct {
	cc grpc.ClientConnInterface
}

// NewRuleStoreClient wraps cc.
func NewRuleStoreClient(cc grpc.ClientConnInterface) *RuleStoreClient {
	return &RuleStoreClient{cc: cc}
}

// Call invokes method with the request document and returns the response document.
func (c *RuleStoreClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

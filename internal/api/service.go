package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Chat"

// ChatServer is the daemon API.
type ChatServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	OpenConversation(context.Context, *OpenConversationRequest) (*OpenConversationResponse, error)
	CloseConversation(context.Context, *CloseConversationRequest) (*CloseConversationResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ResendMessage(context.Context, *ResendMessageRequest) (*SendMessageResponse, error)
	EditMessage(context.Context, *EditMessageRequest) (*EditMessageResponse, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*DeleteMessageResponse, error)
	ToggleReaction(context.Context, *ToggleReactionRequest) (*ToggleReactionResponse, error)
	TypingInput(context.Context, *TypingInputRequest) (*TypingInputResponse, error)
	ToggleFlag(context.Context, *ToggleFlagRequest) (*ToggleFlagResponse, error)
	SearchMessages(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[Event]) error
}

// ServiceDesc describes the Chat service. Messages are plain structs
// carried by the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ChatServer.GetStatus),
		unary("ListConversations", ChatServer.ListConversations),
		unary("OpenConversation", ChatServer.OpenConversation),
		unary("CloseConversation", ChatServer.CloseConversation),
		unary("ListMessages", ChatServer.ListMessages),
		unary("SendMessage", ChatServer.SendMessage),
		unary("ResendMessage", ChatServer.ResendMessage),
		unary("EditMessage", ChatServer.EditMessage),
		unary("DeleteMessage", ChatServer.DeleteMessage),
		unary("ToggleReaction", ChatServer.ToggleReaction),
		unary("TypingInput", ChatServer.TypingInput),
		unary("ToggleFlag", ChatServer.ToggleFlag),
		unary("SearchMessages", ChatServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/chat",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchEvents(in, &grpc.GenericServerStream[WatchEventsRequest, Event]{ServerStream: stream})
}

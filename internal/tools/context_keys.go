package tools

import "context"

// Tool execution context keys carry request-scoped fields through the
// language's ambient-context mechanism so deeply-nested tool code can
// read them without threading extra arguments through every call.

type toolContextKey string

const (
	ctxContextID toolContextKey = "tool_context_id"
	ctxRequestID toolContextKey = "tool_request_id"
	ctxChannel   toolContextKey = "tool_channel"
	ctxTargetID  toolContextKey = "tool_target_id"
	ctxWorkspace toolContextKey = "tool_workspace"
	ctxActorID   toolContextKey = "tool_actor_id"
	ctxMessageID toolContextKey = "tool_message_id"
	ctxThreadID  toolContextKey = "tool_thread_id"
	ctxServerHost toolContextKey = "tool_server_host"
	ctxServerPort toolContextKey = "tool_server_port"
)

func WithContextID(ctx context.Context, contextID string) context.Context {
	return context.WithValue(ctx, ctxContextID, contextID)
}

func ContextIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxContextID).(string)
	return v
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func RequestIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithTargetID(ctx context.Context, targetID string) context.Context {
	return context.WithValue(ctx, ctxTargetID, targetID)
}

func TargetIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTargetID).(string)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxActorID, actorID)
}

func ActorIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxActorID).(string)
	return v
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ctxMessageID, messageID)
}

func MessageIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxMessageID).(string)
	return v
}

func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ctxThreadID, threadID)
}

func ThreadIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxThreadID).(string)
	return v
}

func WithServerAddr(ctx context.Context, host string, port int) context.Context {
	ctx = context.WithValue(ctx, ctxServerHost, host)
	return context.WithValue(ctx, ctxServerPort, port)
}

func ServerAddrFromCtx(ctx context.Context) (string, int) {
	host, _ := ctx.Value(ctxServerHost).(string)
	port, _ := ctx.Value(ctxServerPort).(int)
	return host, port
}

// BuiltinToolSettings maps tool name to settings JSON bytes, kept for
// tools that need configuration beyond their call-time arguments.
type BuiltinToolSettings map[string][]byte

const ctxBuiltinToolSettings toolContextKey = "tool_builtin_settings"

func WithBuiltinToolSettings(ctx context.Context, settings BuiltinToolSettings) context.Context {
	return context.WithValue(ctx, ctxBuiltinToolSettings, settings)
}

func BuiltinToolSettingsFromCtx(ctx context.Context) BuiltinToolSettings {
	v, _ := ctx.Value(ctxBuiltinToolSettings).(BuiltinToolSettings)
	return v
}

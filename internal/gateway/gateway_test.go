package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/contextmgr"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shellsession"
	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/tools"
)

type fakeProvider struct{ content string }

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}
func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	root := t.TempDir()
	layout := shippaths.NewLayout(root)
	cfg := config.Default()
	registry := tools.NewRegistry()
	shellMgr := shellsession.NewManager()

	manager := contextmgr.New(layout, cfg, &fakeProvider{content: "pong"}, "fake-model", registry, shellMgr, nil, nil, nil)
	server := NewServer(manager)
	manager.SetDeliver(server.Deliver)

	return httptest.NewServer(server)
}

func TestServer_RoundTripDeliversResult(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env := InboundEnvelope{ContextID: "ctx-1", Channel: "test", TargetID: "t1", ActorID: "u1", Text: "ping"}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var out OutboundEnvelope
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !out.Success || out.Output != "pong" || out.ContextID != "ctx-1" {
		t.Fatalf("unexpected outbound envelope: %+v", out)
	}
}

func TestServer_DropsEnvelopeWithoutContextID(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(InboundEnvelope{Text: "no contextId here"})
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	good := InboundEnvelope{ContextID: "ctx-2", Text: "hi"}
	goodData, _ := json.Marshal(good)
	if err := conn.WriteMessage(gorillaws.TextMessage, goodData); err != nil {
		t.Fatalf("write good: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out OutboundEnvelope
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ContextID != "ctx-2" {
		t.Fatalf("expected the dropped envelope to produce no reply, first reply should be for ctx-2, got %+v", out)
	}
}

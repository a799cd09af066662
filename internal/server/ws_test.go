package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/tandemlabs/tandem/internal/crdt"
	"github.com/tandemlabs/tandem/internal/outbox"
	"github.com/tandemlabs/tandem/internal/transport"
)

func dialRealtime(t *testing.T, fixture *serverFixture, token string) *websocket.Conn {
	t.Helper()
	target := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/realtime"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, response, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if response != nil {
		response.Body.Close() //nolint:errcheck
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	return conn
}

func readItemsFrame(t *testing.T, conn *websocket.Conn) realtimeItemsFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	var frame realtimeItemsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func childCreateMutation(t *testing.T, nodeID, parentID, rootID string, attributes map[string]any) transport.MutationPayload {
	t.Helper()
	doc := crdt.New()
	_, diff, err := doc.ApplyLocalEdit(func(inner *automerge.Doc) error {
		for key, value := range attributes {
			if err := inner.Path(key).Set(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	data, err := json.Marshal(outbox.NodeCreateData{
		NodeID:    nodeID,
		ParentID:  parentID,
		RootID:    rootID,
		NodeType:  "document",
		UpdateB64: base64.StdEncoding.EncodeToString(diff),
	})
	if err != nil {
		t.Fatalf("encode mutation failed: %v", err)
	}
	return transport.MutationPayload{
		ID:   outbox.NewMutationID(),
		Type: outbox.TypeNodeCreate.String(),
		Data: data,
	}
}

func TestRealtimeStreamCatchesUpAndPushes(t *testing.T) {
	fixture := mustServerFixture(t)

	results := fixture.workspaces.ApplyMutations(context.Background(), "user-1", "ws-1",
		[]transport.MutationPayload{createRootMutation(t, "root-1", map[string]any{"title": "Team space"})})
	if results[0].Status != transport.MutationStatusSuccess {
		t.Fatalf("expected success, got %#v", results[0])
	}

	conn := dialRealtime(t, fixture, fixture.token(t, "user-1"))

	err := conn.WriteJSON(realtimeSubscribeFrame{Action: "subscribe", Kind: "nodes", Scope: "root-1", Cursor: 0})
	if err != nil {
		t.Fatalf("failed to send subscribe frame: %v", err)
	}

	catchup := readItemsFrame(t, conn)
	if catchup.Kind != "nodes" || catchup.Scope != "root-1" {
		t.Fatalf("unexpected frame %#v", catchup)
	}
	if len(catchup.Items) != 1 || catchup.Items[0].Cursor != 1 {
		t.Fatalf("expected catch-up delta at cursor 1, got %#v", catchup.Items)
	}

	// A mutation applied after the subscription is pushed without polling.
	results = fixture.workspaces.ApplyMutations(context.Background(), "user-1", "ws-1",
		[]transport.MutationPayload{childCreateMutation(t, "node-2", "root-1", "root-1", map[string]any{"title": "Notes"})})
	if results[0].Status != transport.MutationStatusSuccess {
		t.Fatalf("expected success, got %#v", results[0])
	}

	pushed := readItemsFrame(t, conn)
	if len(pushed.Items) != 1 || pushed.Items[0].Cursor != 2 {
		t.Fatalf("expected pushed delta at cursor 2, got %#v", pushed.Items)
	}
}

func TestRealtimeStreamIgnoresUnknownFrames(t *testing.T) {
	fixture := mustServerFixture(t)

	results := fixture.workspaces.ApplyMutations(context.Background(), "user-1", "ws-1",
		[]transport.MutationPayload{createRootMutation(t, "root-1", map[string]any{"title": "Team space"})})
	if results[0].Status != transport.MutationStatusSuccess {
		t.Fatalf("expected success, got %#v", results[0])
	}

	conn := dialRealtime(t, fixture, fixture.token(t, "user-1"))

	if err := conn.WriteJSON(map[string]string{"action": "noop"}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
	if err := conn.WriteJSON(realtimeSubscribeFrame{Action: "subscribe", Kind: "widgets", Scope: "root-1"}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
	if err := conn.WriteJSON(realtimeSubscribeFrame{Action: "subscribe", Kind: "nodes", Scope: "root-1", Cursor: 0}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}

	// The connection survives the junk frames and serves the valid one.
	frame := readItemsFrame(t, conn)
	if len(frame.Items) != 1 {
		t.Fatalf("expected one delta, got %#v", frame.Items)
	}
}

func TestRealtimeRequiresBearer(t *testing.T) {
	fixture := mustServerFixture(t)

	target := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/realtime"
	_, response, err := websocket.DefaultDialer.Dial(target, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if response != nil {
		defer response.Body.Close() //nolint:errcheck
		if response.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", response.StatusCode)
		}
	}
}

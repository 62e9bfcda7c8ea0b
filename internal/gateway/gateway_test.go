package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tgsync/internal/bus"
	"tgsync/internal/dialog"
	"tgsync/internal/filter"
	"tgsync/internal/message"
	"tgsync/internal/outbox"
	"tgsync/internal/peer"
	"tgsync/internal/remote"
	"tgsync/internal/status"
	"tgsync/internal/sync"
)

func testServer(t *testing.T) (*Server, *Bridge, *bus.Bus, string) {
	t.Helper()
	b := bus.New()
	bridge := NewBridge(nil)
	directory := peer.NewDirectory()
	store := message.NewStore(directory, nil)
	filters := filter.NewRegistry(nil)
	dialogs := dialog.NewStorage(directory, filters, nil)
	coordinator := outbox.NewCoordinator(store, bridge, b, nil)
	engine := sync.NewEngine(store, dialogs, filters, coordinator, directory, bridge, b, nil, sync.Options{})
	srv := NewServer("127.0.0.1:0", bridge, engine, b, status.NewMachine(b), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, bridge, b, wsURL
}

func runCmd(t *testing.T, conn *websocket.Conn, id, method string, params any) wireResponse {
	t.Helper()
	frame := map[string]any{"id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write command: %v", err)
	}
	var resp wireResponse
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != id {
		t.Fatalf("response id = %q, want %q", resp.ID, id)
	}
	return resp
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInvokeWithoutTransport(t *testing.T) {
	bridge := NewBridge(nil)
	_, err := bridge.Invoke(context.Background(), "messages.getHistory", nil)
	if !remote.IsType(err, remote.TypeTransportDown) {
		t.Errorf("err = %v, want transport-down classification", err)
	}
}

func TestBridgeInvokeRoundTrip(t *testing.T) {
	_, bridge, _, wsURL := testServer(t)
	conn := dial(t, wsURL+"/transport")

	// Fake bridge process: answer the first request with a history page.
	go func() {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		result, _ := json.Marshal(sync.HistoryResult{Count: 1})
		_ = conn.WriteJSON(wireResponse{ID: req.ID, Result: result})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for !bridge.Connected() {
		time.Sleep(time.Millisecond)
	}
	res, err := bridge.Invoke(ctx, "messages.getHistory", map[string]any{"peer": 5})
	if err != nil {
		t.Fatal(err)
	}
	hr, ok := res.(sync.HistoryResult)
	if !ok || hr.Count != 1 {
		t.Errorf("result = %#v", res)
	}
}

func TestBridgeErrorsClassified(t *testing.T) {
	_, bridge, _, wsURL := testServer(t)
	conn := dial(t, wsURL+"/transport")

	go func() {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(wireResponse{ID: req.ID, Error: &wireError{Type: "MESSAGE_NOT_MODIFIED"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for !bridge.Connected() {
		time.Sleep(time.Millisecond)
	}
	_, err := bridge.Invoke(ctx, "messages.editMessage", nil)
	if !remote.Handled(err) {
		t.Errorf("err = %v, want handled semantic rejection", err)
	}
}

func TestBridgePushesUpdates(t *testing.T) {
	_, bridge, _, wsURL := testServer(t)

	got := make(chan any, 1)
	bridge.OnUpdates(func(res any) { got <- res })

	conn := dial(t, wsURL+"/transport")
	data, _ := json.Marshal(sync.NewMessage{})
	_ = conn.WriteJSON(wireResponse{Updates: []wireUpdate{
		{Type: "new_message", Data: data},
		{Type: "from_the_future", Data: data},
	}})

	select {
	case res := <-got:
		ur, ok := res.(sync.UpdatesResult)
		if !ok || len(ur.Updates) != 1 {
			t.Errorf("pushed batch = %#v, unknown variants should be skipped", res)
		}
		if _, ok := ur.Updates[0].(sync.NewMessage); !ok {
			t.Errorf("update = %#v", ur.Updates[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pushed updates never arrived")
	}
}

func TestEventsStream(t *testing.T) {
	_, _, b, wsURL := testServer(t)
	conn := dial(t, wsURL+"/events?ns=dialog.")

	// Subscription races the publish; retry briefly.
	deadline := time.Now().Add(5 * time.Second)
	var evt bus.Event
	for {
		b.Publish(bus.Event{Kind: bus.DialogUnread, Timestamp: time.Now()})
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&evt); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
	if evt.Kind != bus.DialogUnread {
		t.Errorf("kind = %q", evt.Kind)
	}
}

func TestCommandsSendTextOptimistic(t *testing.T) {
	_, _, _, wsURL := testServer(t)
	conn := dial(t, wsURL+"/commands")

	// No transport attached: the placeholder is still created and returned;
	// the dispatch failure surfaces later as a send_failed event.
	resp := runCmd(t, conn, "1", "sendText", map[string]any{"peer": 5, "text": "hi"})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result struct {
		Key      int64  `json:"key"`
		RandomID string `json:"random_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Key >= 0 || result.RandomID == "" {
		t.Errorf("result = %+v, want a pending placeholder", result)
	}
}

func TestCommandsHistoryWithoutTransport(t *testing.T) {
	_, _, _, wsURL := testServer(t)
	conn := dial(t, wsURL+"/commands")

	resp := runCmd(t, conn, "1", "getHistory", map[string]any{"peer": 5, "limit": 10})
	if resp.Error == nil || resp.Error.Type != remote.TypeTransportDown {
		t.Errorf("error = %+v, want transport-down classification", resp.Error)
	}
}

func TestCommandsRejectMalformedRequests(t *testing.T) {
	_, _, _, wsURL := testServer(t)
	conn := dial(t, wsURL+"/commands")

	resp := runCmd(t, conn, "1", "selfDestruct", nil)
	if resp.Error == nil || resp.Error.Type != errMethodUnknown {
		t.Errorf("error = %+v, want unknown-method classification", resp.Error)
	}

	resp = runCmd(t, conn, "2", "sendText", nil)
	if resp.Error == nil || resp.Error.Type != errParamsInvalid {
		t.Errorf("error = %+v, want invalid-params classification", resp.Error)
	}

	// The connection survives rejected frames.
	resp = runCmd(t, conn, "3", "cancelSend", map[string]any{"key": -99})
	if resp.Error != nil {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestReadInboxDecodeDistinguishesAbsentCount(t *testing.T) {
	u, err := decodeUpdate(wireUpdate{Type: "read_inbox", Data: []byte(`{"Peer":5,"MaxID":9}`)})
	if err != nil {
		t.Fatal(err)
	}
	ri, ok := u.(sync.ReadInbox)
	if !ok || ri.StillUnread != -1 {
		t.Errorf("update = %#v, absent count must decode to the sentinel", u)
	}

	u, err = decodeUpdate(wireUpdate{Type: "read_inbox", Data: []byte(`{"Peer":5,"MaxID":9,"StillUnread":0}`)})
	if err != nil {
		t.Fatal(err)
	}
	ri, ok = u.(sync.ReadInbox)
	if !ok || ri.StillUnread != 0 {
		t.Errorf("update = %#v, explicit zero must survive decoding", u)
	}
}

func TestEventsNamespaceFiltered(t *testing.T) {
	_, _, b, wsURL := testServer(t)
	conn := dial(t, wsURL+"/events?ns=filter.")

	deadline := time.Now().Add(5 * time.Second)
	var evt bus.Event
	for {
		b.Publish(bus.Event{Kind: bus.HistoryAppend, Timestamp: time.Now()})
		b.Publish(bus.Event{Kind: bus.FilterUpdate, Timestamp: time.Now()})
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&evt); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no event received")
		}
	}
	if evt.Kind != bus.FilterUpdate {
		t.Errorf("kind = %q, other namespaces must be filtered out", evt.Kind)
	}
}

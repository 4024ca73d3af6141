package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/spread-engine/internal/auth"
	"github.com/atmx/spread-engine/internal/model"
)

// serve exposes the hub with the caller identity taken from the user query
// parameter, standing in for auth.Middleware.
func serve(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.Identity{UserID: r.URL.Query().Get("user"), OperatorID: "op"}
		hub.HandleWS(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func owner(user string) model.UserKey {
	return model.NewUserKey(user, "op")
}

func dialAs(srv *httptest.Server, user, connID string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&conn_id=" + connID
	return websocket.DefaultDialer.Dial(url, nil)
}

func dial(t *testing.T, srv *httptest.Server, user, connID string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialAs(srv, user, connID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestHub_SubscribeAndTargetedSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := serve(t, hub)

	a := dial(t, srv, "u1", "conn-a")
	b := dial(t, srv, "u2", "conn-b")

	if ev := readEvent(t, a); ev.Type != TypeHello {
		t.Fatalf("expected hello, got %s", ev.Type)
	}
	if ev := readEvent(t, b); ev.Type != TypeHello {
		t.Fatalf("expected hello, got %s", ev.Type)
	}

	if err := a.WriteJSON(inbound{Type: "subscribe", Slug: "m1:home"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ev := readEvent(t, a); ev.Type != TypeSubscribed {
		t.Fatalf("expected subscribed, got %s", ev.Type)
	}
	if !hub.Subscribed(owner("u1"), "conn-a", "m1:home") {
		t.Error("conn-a should be subscribed to m1:home")
	}
	if hub.Subscribed(owner("u2"), "conn-b", "m1:home") {
		t.Error("conn-b never subscribed")
	}

	hub.Send(owner("u2"), "conn-b", Event{Type: TypeBalance, Data: Balance{}})
	if ev := readEvent(t, b); ev.Type != TypeBalance {
		t.Errorf("expected balance event on conn-b, got %s", ev.Type)
	}
}

func TestHub_RejectsBadSlug(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := serve(t, hub)

	c := dial(t, srv, "u1", "conn-a")
	readEvent(t, c) // hello

	_ = c.WriteJSON(inbound{Type: "subscribe", Slug: "not a slug"})
	if ev := readEvent(t, c); ev.Type != TypeError {
		t.Errorf("expected error event, got %s", ev.Type)
	}
}

func TestHub_ConnectionBelongsToOneUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)
	srv := serve(t, hub)

	a := dial(t, srv, "u1", "conn-a")
	readEvent(t, a) // hello
	if err := a.WriteJSON(inbound{Type: "subscribe", Slug: "m1:home"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readEvent(t, a) // subscribed

	_, resp, err := dialAs(srv, "u2", "conn-a")
	if err == nil {
		t.Fatal("another user must not take over conn-a")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", resp)
	}

	if hub.Subscribed(owner("u2"), "conn-a", "m1:home") {
		t.Error("u2 must not see u1's subscription")
	}

	// Events are delivered in order, so the first event read proves the
	// u2-addressed one was dropped.
	hub.Send(owner("u2"), "conn-a", Event{Type: TypeLiquidation})
	hub.Send(owner("u1"), "conn-a", Event{Type: TypeBalance})
	if ev := readEvent(t, a); ev.Type != TypeBalance {
		t.Errorf("expected only u1's balance event, got %s", ev.Type)
	}
}

func TestHub_ReconnectReplacesSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)
	srv := serve(t, hub)

	first := dial(t, srv, "u1", "conn-a")
	readEvent(t, first) // hello
	second := dial(t, srv, "u1", "conn-a")
	readEvent(t, second) // hello

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("the replaced socket should be closed")
	}

	hub.Send(owner("u1"), "conn-a", Event{Type: TypeBalance})
	if ev := readEvent(t, second); ev.Type != TypeBalance {
		t.Errorf("expected balance on the new socket, got %s", ev.Type)
	}
}

func TestRecorder_FiltersByType(t *testing.T) {
	r := NewRecorder()
	r.Send(owner("u1"), "c1", Event{Type: TypeSettlement})
	r.Send(owner("u1"), "c1", Event{Type: TypeBalance})
	r.Send(owner("u2"), "c2", Event{Type: TypeBalance})

	if n := len(r.Events("c1")); n != 2 {
		t.Errorf("expected 2 events for c1, got %d", n)
	}
	if n := len(r.Events("c1", TypeBalance)); n != 1 {
		t.Errorf("expected 1 balance event for c1, got %d", n)
	}
}

package realtime

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestHub() *Hub {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	hub := NewHub(logger)
	go hub.Run()
	return hub
}

func newTestClient(id string) *Client {
	return &Client{
		ID:            id,
		OrgID:         "org-1",
		Send:          make(chan []byte, 256),
		Subscriptions: make(map[string]bool),
	}
}

func TestHubRegistration(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-1")
	client.Hub = hub

	hub.Register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, exists := hub.clients[client.ID]
	hub.mu.RUnlock()

	if !exists {
		t.Errorf("client should be registered")
	}
}

func TestHubUnregistration(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-1")
	client.Hub = hub

	hub.Register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, exists := hub.clients[client.ID]
	hub.mu.RUnlock()

	if exists {
		t.Errorf("client should be unregistered")
	}
}

func TestHubSubscription(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-1")
	client.Hub = hub

	hub.Register <- client
	time.Sleep(10 * time.Millisecond)

	room := "run:run-123"
	hub.SubscribeClient(client, room)

	hub.mu.RLock()
	roomClients, roomExists := hub.rooms[room]
	hub.mu.RUnlock()

	if !roomExists {
		t.Errorf("room should exist")
	}
	if _, inRoom := roomClients[client.ID]; !inRoom {
		t.Errorf("client should be in room")
	}

	client.mu.RLock()
	subscribed := client.Subscriptions[room]
	client.mu.RUnlock()

	if !subscribed {
		t.Errorf("client should be subscribed to room")
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := newTestHub()
	client1 := newTestClient("client-1")
	client1.Hub = hub
	client2 := newTestClient("client-2")
	client2.Hub = hub

	hub.Register <- client1
	hub.Register <- client2
	time.Sleep(10 * time.Millisecond)

	room := "run:run-123"
	hub.SubscribeClient(client1, room)
	hub.SubscribeClient(client2, room)

	message := []byte(`{"type":"step_started"}`)
	hub.broadcastRoom(room, message)
	time.Sleep(50 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	check := func(c *Client, name string) {
		defer wg.Done()
		select {
		case msg := <-c.Send:
			if string(msg) != string(message) {
				t.Errorf("%s received wrong message: %s", name, msg)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s did not receive message", name)
		}
	}
	go check(client1, "client1")
	go check(client2, "client2")
	wg.Wait()
}

func TestHubBroadcastUnknownRoomIsNoop(t *testing.T) {
	hub := newTestHub()
	hub.broadcastRoom("run:does-not-exist", []byte("msg"))
	time.Sleep(20 * time.Millisecond)
}

func TestHubMultipleRooms(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-1")
	client.Hub = hub

	hub.Register <- client
	time.Sleep(10 * time.Millisecond)

	rooms := []string{"run:run-1", "workflow:wf-1"}
	for _, r := range rooms {
		hub.SubscribeClient(client, r)
	}

	client.mu.RLock()
	subCount := len(client.Subscriptions)
	client.mu.RUnlock()

	if subCount != len(rooms) {
		t.Errorf("expected %d subscriptions, got %d", len(rooms), subCount)
	}

	for _, r := range rooms {
		hub.broadcastRoom(r, []byte("msg:"+r))
	}
	time.Sleep(50 * time.Millisecond)

	received := 0
	for i := 0; i < len(rooms); i++ {
		select {
		case <-client.Send:
			received++
		case <-time.After(100 * time.Millisecond):
		}
	}
	if received != len(rooms) {
		t.Errorf("expected %d messages, got %d", len(rooms), received)
	}
}

func TestHubUnregisterClosesSendChannel(t *testing.T) {
	hub := newTestHub()
	client := newTestClient("client-1")
	client.Hub = hub

	hub.Register <- client
	time.Sleep(10 * time.Millisecond)
	hub.SubscribeClient(client, "run:run-1")

	hub.Unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, roomExists := hub.rooms["run:run-1"]
	hub.mu.RUnlock()
	if roomExists {
		t.Errorf("room should be removed once its last client unregisters")
	}

	if _, ok := <-client.Send; ok {
		t.Errorf("client's send channel should be closed on unregister")
	}
}

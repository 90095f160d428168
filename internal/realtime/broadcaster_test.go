package realtime

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"
)

func subscribeNewClient(hub *Hub, id string, rooms ...string) *Client {
	client := newTestClient(id)
	client.Hub = hub
	hub.Register <- client
	time.Sleep(10 * time.Millisecond)
	for _, room := range rooms {
		hub.SubscribeClient(client, room)
	}
	return client
}

func recvEvent(t *testing.T, client *Client) event {
	t.Helper()
	select {
	case msg := <-client.Send:
		var ev event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return event{}
	}
}

func TestBroadcasterRunStartedReachesRunAndWorkflowRooms(t *testing.T) {
	hub := newTestHub()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	b := NewBroadcaster(hub, logger)

	runClient := subscribeNewClient(hub, "run-subscriber", "run:run-1")
	workflowClient := subscribeNewClient(hub, "workflow-subscriber", "workflow:wf-1")

	b.BroadcastRunStarted("org-1", "wf-1", "run-1", 3)

	for _, c := range []*Client{runClient, workflowClient} {
		ev := recvEvent(t, c)
		if ev.Type != "run_started" {
			t.Errorf("expected type run_started, got %s", ev.Type)
		}
		if ev.TotalSteps != 3 {
			t.Errorf("expected totalSteps 3, got %d", ev.TotalSteps)
		}
		if ev.RunID != "run-1" || ev.WorkflowID != "wf-1" {
			t.Errorf("unexpected run/workflow id: %+v", ev)
		}
	}
}

func TestBroadcasterStepFailedCarriesError(t *testing.T) {
	hub := newTestHub()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	b := NewBroadcaster(hub, logger)

	client := subscribeNewClient(hub, "client-1", "run:run-2")

	b.BroadcastStepFailed("org-1", "wf-2", "run-2", "node-1", "mpc adapter timed out")

	ev := recvEvent(t, client)
	if ev.Type != "step_failed" {
		t.Errorf("expected type step_failed, got %s", ev.Type)
	}
	if ev.NodeID != "node-1" {
		t.Errorf("expected nodeId node-1, got %s", ev.NodeID)
	}
	if ev.Error != "mpc adapter timed out" {
		t.Errorf("unexpected error message: %s", ev.Error)
	}
}

func TestBroadcasterRunSucceededCarriesOutputs(t *testing.T) {
	hub := newTestHub()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	b := NewBroadcaster(hub, logger)

	client := subscribeNewClient(hub, "client-1", "run:run-3")

	outputs := json.RawMessage(`{"node-1":{"result":42}}`)
	b.BroadcastRunSucceeded("org-1", "wf-3", "run-3", outputs)

	ev := recvEvent(t, client)
	if ev.Type != "run_succeeded" {
		t.Errorf("expected type run_succeeded, got %s", ev.Type)
	}
	if string(ev.Outputs) != string(outputs) {
		t.Errorf("expected outputs %s, got %s", outputs, ev.Outputs)
	}
}

func TestBroadcasterStepCompletedCarriesDuration(t *testing.T) {
	hub := newTestHub()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	b := NewBroadcaster(hub, logger)

	client := subscribeNewClient(hub, "client-1", "run:run-4")

	b.BroadcastStepCompleted("org-1", "wf-4", "run-4", "node-2", 1500)

	ev := recvEvent(t, client)
	if ev.Type != "step_completed" {
		t.Errorf("expected type step_completed, got %s", ev.Type)
	}
	if ev.DurationMs != 1500 {
		t.Errorf("expected durationMs 1500, got %d", ev.DurationMs)
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/legalsim/render-orchestrator/internal/model"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return nil
}

func TestHubRoutesByJob(t *testing.T) {
	hub, _ := startHub(t)

	a := &Client{JobID: "job-a", Send: make(chan []byte, 4)}
	b := &Client{JobID: "job-b", Send: make(chan []byte, 4)}
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastProgress("job-a", model.JobStatusProcessing, 5, 10, 50)

	var got model.WSProgressMessage
	if err := json.Unmarshal(receive(t, a), &got); err != nil {
		t.Fatalf("bad message: %v", err)
	}
	if got.Type != model.WSMessageTypeProgress || got.FramesRendered != 5 || got.ProgressPercentage != 50 {
		t.Fatalf("unexpected message %+v", got)
	}

	select {
	case msg := <-b.Send:
		t.Fatalf("job-b client got a job-a message: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubErrorMessage(t *testing.T) {
	hub, _ := startHub(t)
	c := &Client{JobID: "j", Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.BroadcastError("j", "JOB_FAILED", "scene missing")

	var got model.WSErrorMessage
	if err := json.Unmarshal(receive(t, c), &got); err != nil {
		t.Fatalf("bad message: %v", err)
	}
	if got.Error.Code != "JOB_FAILED" || got.Error.Message != "scene missing" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub, _ := startHub(t)
	slow := &Client{JobID: "j", Send: make(chan []byte)}
	hub.Register(slow)

	hub.BroadcastComplete("j", nil)

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("j") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := <-slow.Send; ok {
		t.Fatal("expected closed send channel")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	c := &Client{JobID: "j", Send: make(chan []byte, 1)}
	hub.Register(c)
	cancel()

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("client not closed on stop")
	}
	if hub.Register(&Client{JobID: "k", Send: make(chan []byte)}) {
		t.Fatal("register must fail after stop")
	}
	// Broadcasting after stop must not block.
	hub.BroadcastProgress("j", model.JobStatusProcessing, 1, 2, 50)
}

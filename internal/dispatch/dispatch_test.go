package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"

	"github.com/example/zone-dispatch/internal/models"
)

func assignedEvent() models.DispatchEvent {
	ring := 2
	return models.DispatchEvent{
		ID:         "ev-1",
		Type:       models.EventAssigned,
		RideID:     "r1",
		RiderID:    "u1",
		OccurredAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Assigned: &models.AssignedPayload{
			RideID: "r1", DriverID: "d7", RingNumber: &ring, ZoneID: "z1", FinalFare: 180,
		},
	}
}

type stubPublisher struct {
	mu  sync.Mutex
	got []models.DispatchEvent
	err error
}

func (s *stubPublisher) Publish(ctx context.Context, ev models.DispatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	ok := &stubPublisher{}
	bad := &stubPublisher{err: errors.New("broker down")}
	f := NewFanout(nil, Sink{Name: "bad", Publisher: bad})
	f.Add("ok", ok)

	err := f.Publish(context.Background(), assignedEvent())
	if err == nil || !strings.Contains(err.Error(), "bad: broker down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatalf("every sink should see the event: ok=%d bad=%d", len(ok.got), len(bad.got))
	}
}

func TestWebhookPublisher(t *testing.T) {
	var got models.DispatchEvent
	var eventType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventType = r.Header.Get("X-Event-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL)
	if err := p.Publish(context.Background(), assignedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if eventType != string(models.EventAssigned) || got.Assigned == nil || got.Assigned.DriverID != "d7" {
		t.Fatalf("unexpected delivery %q %+v", eventType, got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := NewWebhookPublisher(failing.URL).Publish(context.Background(), assignedEvent()); err == nil {
		t.Fatal("expected error on 502")
	}
}

type fakeSender struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	f.msgs = append(f.msgs, msg)
	return "projects/p/messages/1", f.err
}

func TestFCMPublisherTopics(t *testing.T) {
	s := &fakeSender{}
	p := NewFCMPublisherWithSender(s)
	if err := p.Publish(context.Background(), assignedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(s.msgs) != 2 {
		t.Fatalf("expected rider and driver messages, got %d", len(s.msgs))
	}
	if s.msgs[0].Topic != "rider_u1" || s.msgs[1].Topic != "driver_d7" {
		t.Fatalf("unexpected topics %q %q", s.msgs[0].Topic, s.msgs[1].Topic)
	}
	data := s.msgs[0].Data
	if data["ring_number"] != "2" || data["final_fare"] != "180.00" || data["type"] != "ride.assigned" {
		t.Fatalf("unexpected data %v", data)
	}

	s.msgs = nil
	offer := models.DispatchEvent{
		ID: "ev-2", Type: models.EventExpansionOffered, RideID: "r1", RiderID: "u1",
		Offer: &models.ExpansionOfferPayload{RideID: "r1", CandidateZoneID: "z2", CandidateZoneName: "Andheri", CandidateDriverID: "d9", SurchargeAmount: 42.5},
	}
	if err := p.Publish(context.Background(), offer); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	if len(s.msgs) != 1 || s.msgs[0].Notification == nil || !strings.Contains(s.msgs[0].Notification.Body, "Andheri") {
		t.Fatalf("offer should only notify the rider, got %+v", s.msgs)
	}

	s.err = errors.New("unavailable")
	if err := p.Publish(context.Background(), offer); err == nil {
		t.Fatal("expected send error")
	}
}

func TestWSRegistryRoutesEvents(t *testing.T) {
	reg := NewWSRegistry(nil)
	connected := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		role := Role(r.URL.Query().Get("role"))
		reg.Add(role, r.URL.Query().Get("id"), conn)
		connected <- struct{}{}
	}))
	defer srv.Close()

	dial := func(role Role, id string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?role=" + string(role) + "&id=" + id
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}
	rider := dial(RoleRider, "u1")
	defer rider.Close()
	driver := dial(RoleDriver, "d7")
	defer driver.Close()
	<-connected
	<-connected

	if err := reg.Publish(context.Background(), assignedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, c := range map[string]*websocket.Conn{"rider": rider, "driver": driver} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev models.DispatchEvent
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		if ev.ID != "ev-1" {
			t.Fatalf("%s got %+v", name, ev)
		}
	}

	if err := reg.Send(RoleRider, "nobody", "x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	ev := assignedEvent()
	ev.RiderID = "offline-rider"
	ev.Assigned.DriverID = "offline-driver"
	if err := reg.Publish(context.Background(), ev); err != nil {
		t.Fatalf("missing sessions are not an error: %v", err)
	}
}

func TestWSRegistryRemoveKeepsNewerSession(t *testing.T) {
	reg := NewWSRegistry(nil)
	old := &WSSession{}
	reg.sessions[sessionKey{RoleDriver, "d1"}] = old
	newer := &WSSession{}
	reg.sessions[sessionKey{RoleDriver, "d1"}] = newer

	reg.Remove(RoleDriver, "d1", old)
	if reg.sessions[sessionKey{RoleDriver, "d1"}] != newer {
		t.Fatal("removing a stale session must not drop the current one")
	}
	reg.Remove(RoleDriver, "d1", newer)
	if _, ok := reg.sessions[sessionKey{RoleDriver, "d1"}]; ok {
		t.Fatal("session should be gone")
	}
}

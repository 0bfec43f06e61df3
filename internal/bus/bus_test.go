package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C():
		if !ok {
			t.Fatalf("subscription %s closed", s.Topic)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting on %s", s.Topic)
	}
	return Message{}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(8)
	a := b.Subscribe(RideTopic("r1"))
	c := b.Subscribe(RideTopic("r1"))
	other := b.Subscribe(RideTopic("r2"))
	defer a.Close()
	defer c.Close()
	defer other.Close()

	msg, err := NewMessage("searching", map[string]string{"type": "searching"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	n, err := b.Publish(context.Background(), RideTopic("r1"), msg)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deliveries, got n=%d err=%v", n, err)
	}
	for _, s := range []*Subscription{a, c} {
		if got := recv(t, s); got.Type != "searching" {
			t.Fatalf("unexpected message %+v", got)
		}
	}
	select {
	case m := <-other.C():
		t.Fatalf("unexpected delivery on other topic: %+v", m)
	default:
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(8)
	n, err := b.Publish(context.Background(), DriverTopic("nobody"), Message{Type: "x"})
	if err != nil || n != 0 {
		t.Fatalf("expected 0 deliveries, got n=%d err=%v", n, err)
	}
}

func TestCloseUnsubscribesAndIsIdempotent(t *testing.T) {
	b := New(8)
	s := b.Subscribe(DriverTopic("d1"))
	if b.Subscribers(DriverTopic("d1")) != 1 {
		t.Fatalf("expected one subscriber")
	}
	s.Close()
	s.Close()
	if _, ok := <-s.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if b.Subscribers(DriverTopic("d1")) != 0 {
		t.Fatalf("expected topic to be empty")
	}
	if n, _ := b.Publish(context.Background(), DriverTopic("d1"), Message{Type: "x"}); n != 0 {
		t.Fatalf("closed subscriber must not receive, got %d", n)
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New(1)
	s := b.Subscribe("t")
	defer s.Close()
	ctx := context.Background()
	if n, _ := b.Publish(ctx, "t", Message{Type: "first"}); n != 1 {
		t.Fatalf("expected first delivery")
	}
	if n, _ := b.Publish(ctx, "t", Message{Type: "second"}); n != 0 {
		t.Fatalf("expected drop on full buffer, got %d", n)
	}
	if got := recv(t, s); got.Type != "first" {
		t.Fatalf("expected first, got %s", got.Type)
	}
}

func TestPublishOrderPerPublisher(t *testing.T) {
	b := New(256)
	s := b.Subscribe("ordered")
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		msg, _ := NewMessage("seq", i)
		if _, err := b.Publish(ctx, "ordered", msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		var got int
		if err := json.Unmarshal(recv(t, s).Payload, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestConcurrentSubscribePublishClose(t *testing.T) {
	b := New(4)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		name := fmt.Sprintf("ride:%d", i%4)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				s := b.Subscribe(name)
				s.Close()
			}
		}()
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				_, _ = b.Publish(ctx, name, Message{Type: "ping"})
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		if n := b.Subscribers(fmt.Sprintf("ride:%d", i)); n != 0 {
			t.Fatalf("leaked %d subscribers", n)
		}
	}
}

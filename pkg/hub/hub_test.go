package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func recvText(t *testing.T, s *Subscription) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	return f.Text()
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := New(10)

	n, err := h.Publish(NewTextFrame("a", []byte("hello")))
	if !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("Expected ErrNoSubscribers, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 receivers, got %d", n)
	}
	if h.Published() != 0 {
		t.Errorf("Dropped message must not be retained, published=%d", h.Published())
	}
}

func TestHub_FanOutIncludesPublisher(t *testing.T) {
	h := New(10)
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Close()
	defer b.Close()

	n, err := h.Publish(NewTextFrame("a", []byte("hello")))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 receivers, got %d", n)
	}

	for name, s := range map[string]*Subscription{"a": a, "b": b} {
		if got := recvText(t, s); got != "hello" {
			t.Errorf("subscriber %s: expected hello, got %q", name, got)
		}
		if _, err := s.TryRecv(); !errors.Is(err, ErrEmpty) {
			t.Errorf("subscriber %s: expected exactly one message, got err=%v", name, err)
		}
	}
}

func TestHub_NoLateDelivery(t *testing.T) {
	h := New(10)
	early := h.Subscribe()
	defer early.Close()

	if _, err := h.Publish(NewTextFrame("a", []byte("before"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	late := h.Subscribe()
	defer late.Close()

	if _, err := late.TryRecv(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Late subscriber must not see earlier messages, got err=%v", err)
	}

	if _, err := h.Publish(NewTextFrame("a", []byte("after"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := recvText(t, late); got != "after" {
		t.Errorf("Expected after, got %q", got)
	}
	if got := recvText(t, early); got != "before" {
		t.Errorf("Expected before, got %q", got)
	}
}

func TestHub_PublishOrderAcrossPublishers(t *testing.T) {
	h := New(1000)
	subs := []*Subscription{h.Subscribe(), h.Subscribe(), h.Subscribe()}

	const publishers, perPublisher = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				if _, err := h.Publish(NewTextFrame("", []byte(fmt.Sprintf("%d-%d", p, i)))); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	// 所有订阅者必须看到完全相同的全局顺序
	var reference []string
	for i, s := range subs {
		var got []string
		for {
			f, err := s.TryRecv()
			if errors.Is(err, ErrEmpty) {
				break
			}
			if err != nil {
				t.Fatalf("TryRecv failed: %v", err)
			}
			got = append(got, f.Text())
		}
		if len(got) != publishers*perPublisher {
			t.Fatalf("subscriber %d: expected %d messages, got %d", i, publishers*perPublisher, len(got))
		}
		if reference == nil {
			reference = got
			continue
		}
		for j := range got {
			if got[j] != reference[j] {
				t.Fatalf("subscriber %d diverges at %d: %q != %q", i, j, got[j], reference[j])
			}
		}
	}

	// 同一发布者的消息保持其发布顺序
	next := make(map[int]int)
	for _, text := range reference {
		var p, i int
		if _, err := fmt.Sscanf(text, "%d-%d", &p, &i); err != nil {
			t.Fatalf("bad payload %q", text)
		}
		if i != next[p] {
			t.Fatalf("publisher %d out of order: got %d, want %d", p, i, next[p])
		}
		next[p]++
	}
}

func TestHub_LagSkipsAhead(t *testing.T) {
	h := New(4)
	slow := h.Subscribe()
	defer slow.Close()

	for i := 0; i < 10; i++ {
		if _, err := h.Publish(NewTextFrame("", []byte(fmt.Sprint(i)))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	_, err := slow.TryRecv()
	var lagErr *LagError
	if !errors.As(err, &lagErr) {
		t.Fatalf("Expected *LagError, got %v", err)
	}
	if lagErr.Skipped != 6 {
		t.Errorf("Expected 6 skipped, got %d", lagErr.Skipped)
	}

	// 跳过后从最旧的保留消息继续，不重复、不乱序
	for _, want := range []string{"6", "7", "8", "9"} {
		if got := recvText(t, slow); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
	if _, err := slow.TryRecv(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected ErrEmpty after catching up, got %v", err)
	}
}

func TestHub_RecvBlocksUntilPublish(t *testing.T) {
	h := New(10)
	s := h.Subscribe()
	defer s.Close()

	got := make(chan string, 1)
	go func() {
		f, err := s.Recv(context.Background())
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- f.Text()
	}()

	select {
	case v := <-got:
		t.Fatalf("Recv returned before publish: %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := h.Publish(NewTextFrame("", []byte("wake"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case v := <-got:
		if v != "wake" {
			t.Errorf("Expected wake, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up")
	}
}

func TestHub_RecvContextCancel(t *testing.T) {
	h := New(10)
	s := h.Subscribe()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestHub_CloseDrainsThenEnds(t *testing.T) {
	h := New(10)
	s := h.Subscribe()
	defer s.Close()

	if _, err := h.Publish(NewTextFrame("", []byte("last"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if got := recvText(t, s); got != "last" {
		t.Errorf("Expected retained message, got %q", got)
	}
	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}
	if _, err := h.Publish(NewTextFrame("", []byte("x"))); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed on publish, got %v", err)
	}
}

func TestHub_SubscriptionClose(t *testing.T) {
	h := New(10)
	s := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", h.Subscribers())
	}

	s.Close()
	s.Close()
	if h.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", h.Subscribers())
	}
	if _, err := s.TryRecv(); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Expected ErrSubscriptionClosed, got %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Error("Ready must not block on a closed subscription")
	}
}

func TestHub_PublishCopiesPayload(t *testing.T) {
	h := New(10)
	s := h.Subscribe()
	defer s.Close()

	buf := []byte("abc")
	if _, err := h.Publish(NewTextFrame("", buf)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	buf[0] = 'x'

	if got := recvText(t, s); got != "abc" {
		t.Errorf("Expected payload to be copied, got %q", got)
	}
}

func TestRegistry_NeverNegative(t *testing.T) {
	r := NewRegistry()

	if got := r.Inc(); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
	if got := r.Dec(); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
	if got := r.Dec(); got != 0 {
		t.Errorf("Expected stray Dec to be ignored, got %d", got)
	}
	if r.Active() != 0 || r.Total() != 1 {
		t.Errorf("Unexpected state active=%d total=%d", r.Active(), r.Total())
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc()
			r.Dec()
		}()
	}
	wg.Wait()

	if r.Active() != 0 {
		t.Errorf("Expected 0 active, got %d", r.Active())
	}
	if r.Total() != 100 {
		t.Errorf("Expected 100 total, got %d", r.Total())
	}
}

func TestHistory_AppendAndSnapshot(t *testing.T) {
	h := NewHistory("seed")
	h.Append("a", "one")
	h.Append("b", "two")

	if h.Len() != 3 {
		t.Fatalf("Expected 3 records, got %d", h.Len())
	}

	all := h.Snapshot(0)
	if all[0].Text != "seed" || all[0].ClientID != "" || all[0].Seq != 1 {
		t.Errorf("Unexpected seed record: %+v", all[0])
	}

	last := h.Snapshot(2)
	if len(last) != 2 || last[0].Text != "one" || last[1].Text != "two" {
		t.Errorf("Unexpected snapshot: %+v", last)
	}
	if last[1].Seq != 3 || last[1].ClientID != "b" {
		t.Errorf("Unexpected record: %+v", last[1])
	}

	last[0].Text = "mutated"
	if h.Snapshot(2)[0].Text != "one" {
		t.Error("Snapshot must return a copy")
	}
}

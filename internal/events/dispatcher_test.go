package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capturedDelivery struct {
	body      []byte
	event     string
	signature string
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []capturedDelivery) {
	t.Helper()
	var mu sync.Mutex
	var deliveries []capturedDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		deliveries = append(deliveries, capturedDelivery{
			body:      body,
			event:     r.Header.Get("X-Escrowd-Event"),
			signature: r.Header.Get("X-Escrowd-Signature"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedDelivery {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedDelivery, len(deliveries))
		copy(out, deliveries)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmitDeliversToMatchingSubscription(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Subscription{
		ID: "sub_1", URL: srv.URL, Secret: "topsecret",
		EventTypes: []string{MilestoneApproved}, Active: true,
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	d := NewDispatcher(store, "fallback")
	d.Emit(ctx, MilestoneApproved, map[string]any{"contractId": "ct_1"})

	waitFor(t, func() bool { return len(got()) == 1 })
	delivery := got()[0]
	if delivery.event != MilestoneApproved {
		t.Errorf("expected event header %q, got %q", MilestoneApproved, delivery.event)
	}
	if !Verify("topsecret", delivery.body, delivery.signature) {
		t.Errorf("signature does not verify with the subscription secret")
	}
}

func TestEmitSkipsNonMatchingSubscription(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{
		ID: "sub_1", URL: srv.URL,
		EventTypes: []string{DisputeOpened}, Active: true,
	})
	_ = store.Create(ctx, &Subscription{
		ID: "sub_2", URL: srv.URL,
		EventTypes: []string{MilestoneApproved}, Active: false,
	})

	d := NewDispatcher(store, "secret")
	d.Emit(ctx, MilestoneApproved, map[string]any{"contractId": "ct_1"})

	time.Sleep(150 * time.Millisecond)
	if n := len(got()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestEmptyEventTypesSubscribesToAll(t *testing.T) {
	srv, got := newCaptureServer(t)
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{ID: "sub_1", URL: srv.URL, Active: true})

	d := NewDispatcher(store, "secret")
	d.Emit(ctx, ContractFunded, map[string]any{"contractId": "ct_1"})
	d.Emit(ctx, DisputeResolved, map[string]any{"disputeId": "dsp_1"})

	waitFor(t, func() bool { return len(got()) == 2 })
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"type":"contract.funded"}`)
	d := NewDispatcher(NewMemoryStore(), "right")
	sig := d.sign(&Subscription{}, body)
	if !Verify("right", body, sig) {
		t.Error("expected valid signature with correct secret")
	}
	if Verify("wrong", body, sig) {
		t.Error("expected invalid signature with wrong secret")
	}
}

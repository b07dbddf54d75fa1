package roles

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestBindFirstWins(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	b, err := svc.Bind(ctx, "alice", "ct_1", RoleClient)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if b.Role != RoleClient {
		t.Errorf("expected CLIENT, got %s", b.Role)
	}

	got, err := svc.RoleOf(ctx, "alice", "ct_1")
	if err != nil {
		t.Fatalf("roleOf: %v", err)
	}
	if got != RoleClient {
		t.Errorf("expected CLIENT, got %s", got)
	}
}

func TestBindSameRoleIdempotent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Bind(ctx, "bob", "ct_1", RoleFreelancer)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	second, err := svc.Bind(ctx, "bob", "ct_1", RoleFreelancer)
	if err != nil {
		t.Fatalf("rebind same role: %v", err)
	}
	if !second.BoundAt.Equal(first.BoundAt) {
		t.Errorf("rebind must return the original binding")
	}
}

func TestBindDifferentRoleConflicts(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Bind(ctx, "carol", "ct_1", RoleClient); err != nil {
		t.Fatalf("bind: %v", err)
	}
	_, err := svc.Bind(ctx, "carol", "ct_1", RoleFreelancer)
	if !errors.Is(err, ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}

	// Original binding untouched.
	got, err := svc.RoleOf(ctx, "carol", "ct_1")
	if err != nil {
		t.Fatalf("roleOf: %v", err)
	}
	if got != RoleClient {
		t.Errorf("expected CLIENT preserved, got %s", got)
	}
}

func TestSameIdentityDifferentContracts(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	// An identity may hold different roles on different contracts.
	if _, err := svc.Bind(ctx, "dave", "ct_1", RoleClient); err != nil {
		t.Fatalf("bind ct_1: %v", err)
	}
	if _, err := svc.Bind(ctx, "dave", "ct_2", RoleFreelancer); err != nil {
		t.Fatalf("bind ct_2: %v", err)
	}
}

func TestBindInvalidRole(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Bind(context.Background(), "erin", "ct_1", Role("ARBITRATOR"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestCanAct(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Bind(ctx, "frank", "ct_1", RoleClient); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ok, err := svc.CanAct(ctx, "frank", "ct_1", RoleClient)
	if err != nil || !ok {
		t.Errorf("expected CanAct true, got %v %v", ok, err)
	}
	ok, err = svc.CanAct(ctx, "frank", "ct_1", RoleFreelancer)
	if err != nil || ok {
		t.Errorf("expected CanAct false, got %v %v", ok, err)
	}
	ok, err = svc.CanAct(ctx, "ghost", "ct_1", RoleClient)
	if err != nil || ok {
		t.Errorf("expected CanAct false for unbound identity, got %v %v", ok, err)
	}
}

func TestConcurrentBindsOneWinner(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	const n = 16
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := RoleClient
			if i%2 == 1 {
				role = RoleFreelancer
			}
			_, results[i] = svc.Bind(ctx, "racer", "ct_1", role)
		}(i)
	}
	wg.Wait()

	winner, err := svc.RoleOf(ctx, "racer", "ct_1")
	if err != nil {
		t.Fatalf("roleOf: %v", err)
	}

	// Every successful bind must have requested the winning role.
	for i, err := range results {
		role := RoleClient
		if i%2 == 1 {
			role = RoleFreelancer
		}
		if err == nil && role != winner {
			t.Errorf("bind %d succeeded with role %s but winner is %s", i, role, winner)
		}
		if err != nil && !errors.Is(err, ErrRoleConflict) {
			t.Errorf("bind %d failed with unexpected error: %v", i, err)
		}
	}
}

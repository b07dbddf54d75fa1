package contract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/testutil"
)

func TestPostgresContractRoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	testutil.Truncate(t, db, "milestones", "contracts")
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &Contract{
		ID:             "ct_pg1",
		ClientID:       "alice",
		FreelancerID:   "bob",
		Method:         payment.MethodCustodial,
		State:          StateCreated,
		TotalAmount:    100000,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	milestones := []*Milestone{
		{ID: "ms_pg1", ContractID: c.ID, SequenceIndex: 0, Amount: 40000, Description: "design", Status: MilestonePending},
		{ID: "ms_pg2", ContractID: c.ID, SequenceIndex: 1, Amount: 60000, Description: "build", Status: MilestonePending},
	}
	if err := store.CreateContract(ctx, c, milestones); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClientID != "alice" || got.FreelancerID != "bob" {
		t.Errorf("parties lost in round trip: %+v", got)
	}
	if got.State != StateCreated || got.TotalAmount != 100000 {
		t.Errorf("state/total lost in round trip: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}

	ms, err := store.ListMilestones(ctx, c.ID)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	if len(ms) != 2 || ms[0].ID != "ms_pg1" || ms[1].ID != "ms_pg2" {
		t.Fatalf("expected ordered milestones, got %+v", ms)
	}
}

func TestPostgresContractUpdate(t *testing.T) {
	db := testutil.PGTest(t)
	testutil.Truncate(t, db, "milestones", "contracts")
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &Contract{
		ID: "ct_pg2", ClientID: "alice", FreelancerID: "bob",
		Method: payment.MethodCustodial, State: StateCreated,
		TotalAmount: 50000, CreatedAt: now, LastActivityAt: now,
	}
	ms := &Milestone{ID: "ms_pg3", ContractID: c.ID, SequenceIndex: 0, Amount: 50000, Status: MilestonePending}
	if err := store.CreateContract(ctx, c, []*Milestone{ms}); err != nil {
		t.Fatalf("create: %v", err)
	}

	c.State = StateFunded
	c.ExternalRef = "ch_abc123"
	c.LastActivityAt = now.Add(time.Second)
	if err := store.UpdateContract(ctx, c); err != nil {
		t.Fatalf("update contract: %v", err)
	}

	submitted := now.Add(2 * time.Second)
	ms.Status = MilestoneSubmitted
	ms.SubmittedAt = &submitted
	if err := store.UpdateMilestone(ctx, ms); err != nil {
		t.Fatalf("update milestone: %v", err)
	}

	got, err := store.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateFunded || got.ExternalRef != "ch_abc123" {
		t.Errorf("update lost: %+v", got)
	}

	gm, err := store.GetMilestone(ctx, c.ID, ms.ID)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if gm.Status != MilestoneSubmitted || gm.SubmittedAt == nil || !gm.SubmittedAt.Equal(submitted) {
		t.Errorf("milestone update lost: %+v", gm)
	}
}

func TestPostgresListByParticipant(t *testing.T) {
	db := testutil.PGTest(t)
	testutil.Truncate(t, db, "milestones", "contracts")
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, parties := range [][2]string{{"alice", "bob"}, {"carol", "bob"}, {"carol", "dave"}} {
		c := &Contract{
			ID: "ct_list_" + string(rune('a'+i)), ClientID: parties[0], FreelancerID: parties[1],
			Method: payment.MethodCustodial, State: StateCreated,
			TotalAmount: 1000, CreatedAt: now.Add(time.Duration(i) * time.Second), LastActivityAt: now,
		}
		ms := &Milestone{ID: c.ID + "_ms", ContractID: c.ID, SequenceIndex: 0, Amount: 1000, Status: MilestonePending}
		if err := store.CreateContract(ctx, c, []*Milestone{ms}); err != nil {
			t.Fatalf("create %s: %v", c.ID, err)
		}
	}

	bobs, err := store.ListByParticipant(ctx, "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bobs) != 2 {
		t.Errorf("expected 2 contracts for bob, got %d", len(bobs))
	}
	eves, err := store.ListByParticipant(ctx, "eve")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eves) != 0 {
		t.Errorf("expected no contracts for eve, got %d", len(eves))
	}
}

func TestPostgresNotFound(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.GetContract(ctx, "ct_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetMilestone(ctx, "ct_nope", "ms_nope"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Errorf("expected ErrMilestoneNotFound, got %v", err)
	}
	if err := store.UpdateContract(ctx, &Contract{ID: "ct_nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

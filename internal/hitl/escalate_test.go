package hitl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func backdate(t *testing.T, f *fixture, requestID string, age time.Duration) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	if _, err := f.st.DB().ExecContext(context.Background(), `
		UPDATE hitl_requests SET created_at = ? WHERE request_id = ?
	`, created, requestID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewers := NewReviewers(f.st.DB())
	for _, id := range []string{"alice", "bob"} {
		if err := reviewers.Register(ctx, f.tc, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	strategy := NewRoundRobin(f.st.DB())
	first, err := strategy.Pick(ctx, f.tc, nil)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if first != "alice" {
		t.Fatalf("expected alice first, got %s", first)
	}

	id := submitOne(t, f, &Request{Priority: PriorityMedium, Question: "q"})
	if err := f.queue.Claim(ctx, f.tc, id, first); err != nil {
		t.Fatalf("claim: %v", err)
	}

	second, err := strategy.Pick(ctx, f.tc, nil)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if second != "bob" {
		t.Fatalf("expected rotation to bob, got %s", second)
	}
}

func TestLeastLoadedPrefersIdleReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewers := NewReviewers(f.st.DB())
	for _, id := range []string{"alice", "bob"} {
		if err := reviewers.Register(ctx, f.tc, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	id := submitOne(t, f, &Request{Priority: PriorityMedium, Question: "q"})
	if err := f.queue.Claim(ctx, f.tc, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pick, err := NewLeastLoaded(f.st.DB()).Pick(ctx, f.tc, nil)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick != "bob" {
		t.Fatalf("expected idle bob, got %s", pick)
	}
}

func TestStrategyPickWithEmptyRoster(t *testing.T) {
	f := newFixture(t)
	if _, err := NewRoundRobin(f.st.DB()).Pick(context.Background(), f.tc, nil); !errors.Is(err, ErrNoReviewer) {
		t.Fatalf("expected ErrNoReviewer, got %v", err)
	}
}

func TestDeactivateRemovesFromRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewers := NewReviewers(f.st.DB())
	if err := reviewers.Register(ctx, f.tc, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reviewers.Deactivate(ctx, f.tc, "alice"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := NewRoundRobin(f.st.DB()).Pick(ctx, f.tc, nil); !errors.Is(err, ErrNoReviewer) {
		t.Fatalf("deactivated reviewer still picked: %v", err)
	}

	roster, err := reviewers.List(ctx, f.tc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(roster) != 1 || roster[0].Active {
		t.Fatalf("expected inactive roster entry, got %+v", roster)
	}
}

func TestEscalationNotifyFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := NewEscalationEngine(f.st.DB(), f.queue, NewRoundRobin(f.st.DB()), nil, []EscalationRule{
		{Name: "notify-waiting", Status: StatusPending, Age: 15 * time.Minute, Action: ActionNotify},
	})

	id := submitOne(t, f, &Request{Priority: PriorityLow, Question: "aged"})
	backdate(t, f, id, 20*time.Minute)

	n, err := engine.Evaluate(ctx, f.tc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 action, got %d", n)
	}

	n, err = engine.Evaluate(ctx, f.tc)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if n != 0 {
		t.Fatalf("rule fired twice, got %d actions", n)
	}
}

func TestEscalationBumpsPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := NewEscalationEngine(f.st.DB(), f.queue, NewRoundRobin(f.st.DB()), nil, []EscalationRule{
		{Name: "bump-aged", Age: time.Hour, Action: ActionEscalatePriority},
	})

	id := submitOne(t, f, &Request{Priority: PriorityMedium, Question: "stuck"})
	backdate(t, f, id, 2*time.Hour)

	if _, err := engine.Evaluate(ctx, f.tc); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	req, err := f.queue.Get(ctx, f.tc, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Priority != PriorityHigh {
		t.Fatalf("expected priority bumped to high, got %s", req.Priority)
	}
}

func TestEscalationReassignsStalledRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewers := NewReviewers(f.st.DB())
	for _, id := range []string{"alice", "bob"} {
		if err := reviewers.Register(ctx, f.tc, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	engine := NewEscalationEngine(f.st.DB(), f.queue, NewLeastLoaded(f.st.DB()), nil, []EscalationRule{
		{Name: "reassign-stalled", Status: StatusAssigned, Age: 30 * time.Minute, Action: ActionReassign},
	})

	id := submitOne(t, f, &Request{Priority: PriorityHigh, Question: "stalled"})
	if err := f.queue.Claim(ctx, f.tc, id, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdate(t, f, id, time.Hour)

	n, err := engine.Evaluate(ctx, f.tc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 action, got %d", n)
	}

	req, err := f.queue.Get(ctx, f.tc, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Status != StatusAssigned || req.AssignedTo != "bob" {
		t.Fatalf("expected reassignment to bob, got %+v", req)
	}
}

func TestEscalationDefersWithoutReviewers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := NewEscalationEngine(f.st.DB(), f.queue, NewRoundRobin(f.st.DB()), nil, []EscalationRule{
		{Name: "reassign-stalled", Status: StatusPending, Age: time.Minute, Action: ActionReassign},
	})

	id := submitOne(t, f, &Request{Priority: PriorityHigh, Question: "nobody home"})
	backdate(t, f, id, time.Hour)

	n, err := engine.Evaluate(ctx, f.tc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected deferral, got %d actions", n)
	}

	reviewers := NewReviewers(f.st.DB())
	if err := reviewers.Register(ctx, f.tc, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	n, err = engine.Evaluate(ctx, f.tc)
	if err != nil {
		t.Fatalf("retry evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected deferred rule to fire after registration, got %d", n)
	}
	req, _ := f.queue.Get(ctx, f.tc, id)
	if req.AssignedTo != "alice" {
		t.Fatalf("expected assignment to alice, got %+v", req)
	}
}

package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
)

func countKind(kinds []engine.EventKind, k engine.EventKind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestForfeitureScan_WarnsThenNotifiesOnce(t *testing.T) {
	// GIVEN: A direct repair completed and never collected
	s := newTestServer(t)
	r := s.intake(t, IntakeRequest{CentroID: "c1", CustomerID: "cust-1", Estimate: engine.Cents(6000)})
	s.mustAdvance(t, r.ID, "in_progress", "completed")
	sched := s.handler.Scheduler
	ctx := context.Background()

	// WHEN: Scanned before the warning window
	s.clock.Advance(22 * engine.Day)
	candidates, notified, err := sched.Scan(ctx)

	// THEN: Nothing is sent
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 0, notified)

	// WHEN: Seven days before the deadline
	s.clock.Advance(engine.Day)
	candidates, notified, err = sched.Scan(ctx)

	// THEN: Centro and customer are warned, nothing is eligible yet
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCentro), engine.EventForfeitureWarning))
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCustomer), engine.EventForfeitureWarning))

	// AND: The warning is not repeated
	_, notified, err = sched.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, notified)

	// WHEN: The deadline day is reached
	s.clock.Advance(7 * engine.Day)
	candidates, notified, err = sched.Scan(ctx)

	// THEN: The repair is eligible and both parties are told once
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, r.ID, candidates[0].Request.ID)
	assert.Equal(t, 0, candidates[0].Status.DaysRemaining)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCentro), engine.EventForfeitureEligible))
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCustomer), engine.EventForfeitureEligible))

	// AND: A second scan finds it again without notifying
	candidates, notified, err = sched.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, 0, notified)

	// AND: The scan never changes the status
	rec := s.do(t, http.MethodGet, "/api/repairs/"+r.ID, nil)
	assert.Equal(t, "completed", decode[RepairDTO](t, rec).Status)
}

func TestForfeitureScan_RestartDoesNotResend(t *testing.T) {
	s := newTestServer(t)
	r := s.intake(t, IntakeRequest{CentroID: "c1", CustomerID: "cust-1", Estimate: engine.Cents(6000)})
	s.mustAdvance(t, r.ID, "in_progress", "completed")
	ctx := context.Background()

	// GIVEN: The warning was sent by one scheduler
	s.clock.Advance(25 * engine.Day)
	_, notified, err := s.handler.Scheduler.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, notified)

	// WHEN: A fresh scheduler scans the same store
	restarted := NewForfeitureScheduler(s.handler.Scheduler.Repairs, s.handler.Scheduler.Notify, nil)
	_, notified, err = restarted.Scan(ctx)

	// THEN: The warning is not sent again
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCustomer), engine.EventForfeitureWarning))

	// AND: The notice is on the repair itself
	req, err := s.handler.Scheduler.Repairs.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, req.ForfeitureWarnedAt)
	assert.Nil(t, req.ForfeitureNotifiedAt)
}

func TestForfeitureScan_LateScanSkipsWarning(t *testing.T) {
	s := newTestServer(t)
	r := s.intake(t, IntakeRequest{CentroID: "c1", Estimate: engine.Cents(6000)})
	s.mustAdvance(t, r.ID, "in_progress", "completed")
	s.clock.Advance(45 * engine.Day)

	// GIVEN: The first scan runs after the deadline
	_, notified, err := s.handler.Scheduler.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, notified)

	// THEN: Only the eligibility notice went out
	assert.Equal(t, 0, countKind(s.sink.Kinds(engine.RoleCentro), engine.EventForfeitureWarning))
	assert.Equal(t, 1, countKind(s.sink.Kinds(engine.RoleCentro), engine.EventForfeitureEligible))

	// AND: Once delivered the repair drops out of the scan
	s.mustAdvance(t, r.ID, "delivered")
	candidates, notified, err := s.handler.Scheduler.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 0, notified)
}

func TestTriggerForfeitureScan(t *testing.T) {
	s := newTestServer(t)
	r := s.intake(t, IntakeRequest{CentroID: "c1", Estimate: engine.Cents(6000)})
	s.mustAdvance(t, r.ID, "in_progress", "completed")
	s.clock.Advance(40 * engine.Day)

	rec := s.do(t, http.MethodPost, "/api/admin/forfeiture-scan", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ScanResultDTO](t, rec)
	require.Len(t, res.Eligible, 1)
	assert.True(t, res.Eligible[0].Eligible)
	assert.Equal(t, -10, res.Eligible[0].DaysRemaining)
	assert.Equal(t, 1, res.Notified)

	rec = s.do(t, http.MethodGet, "/api/repairs/"+r.ID+"/forfeiture", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ForfeitureDTO](t, rec).Eligible)
}

func TestTriggerForfeitureScan_NoScheduler(t *testing.T) {
	s := newTestServer(t)
	s.handler.Scheduler = nil

	rec := s.do(t, http.MethodPost, "/api/admin/forfeiture-scan", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sched := s.handler.Scheduler
	sched.CheckInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t)
	sched := s.handler.Scheduler
	sched.Enabled = false

	sched.Start()
	defer sched.Stop()

	assert.Nil(t, sched.ticker)
}

/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Repairs are created and walked to their stage
	- Prepaid commissions are debited from the Centro
	- Slots, loyalty cards and forfeiture candidates match the story

Every scenario runs against both stores, so these double as integration
tests of the SQLite store.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/engine/store"
	"github.com/warp/repair-engine/store/sqlite"
)

func scenarioServers(t *testing.T) map[string]*testServer {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]*testServer{
		"memory": newTestServer(t),
		"sqlite": newTestServerWith(t, db),
	}
}

func TestScenario_ReferredFlow(t *testing.T) {
	for name, s := range scenarioServers(t) {
		t.Run(name, func(t *testing.T) {
			// GIVEN: The referred-flow scenario
			// WHEN: Loading it
			require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "referred-flow"))

			// THEN: Four repairs at different stages, three of them prepaid
			rec := s.do(t, http.MethodGet, "/api/repairs/?centro_id="+demoCentro, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			repairs := decode[[]RepairDTO](t, rec)
			require.Len(t, repairs, 4)

			statuses := make([]string, 0, len(repairs))
			for _, r := range repairs {
				statuses = append(statuses, r.Status)
			}
			assert.ElementsMatch(t, []string{"pending", "quote_accepted", "waiting_for_parts", "at_corner"}, statuses)

			// 200 - 20 - 24 - 32
			rec = s.do(t, http.MethodGet, "/api/accounts/centro/"+demoCentro, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "124.00", decode[AccountDTO](t, rec).CreditBalance)

			rec = s.do(t, http.MethodGet, "/api/commissions/?centro_id="+demoCentro, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			entries := decode[[]CommissionDTO](t, rec)
			require.Len(t, entries, 1)
			assert.Equal(t, "160.00", entries[0].GrossMargin)
			assert.Equal(t, "32.00", entries[0].PrepaidAmount)

			rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
			assert.Equal(t, "referred-flow", decode[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestScenario_LowCredit(t *testing.T) {
	for name, s := range scenarioServers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "low-credit"))

			// 55 -> 35 -> 15 -> -5
			rec := s.do(t, http.MethodGet, "/api/accounts/centro/centro-torino", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			acct := decode[AccountDTO](t, rec)
			assert.Equal(t, "-5.00", acct.CreditBalance)
			assert.Equal(t, string(engine.PaymentSuspended), acct.PaymentStatus)

			rec = s.do(t, http.MethodGet, "/api/accounts/centro/centro-torino/transactions", nil)
			txs := decode[[]TransactionDTO](t, rec)
			require.Len(t, txs, 4)
			for _, tx := range txs[1:] {
				assert.Equal(t, "-20.00", tx.Amount)
			}

			assert.Contains(t, s.sink.Kinds(engine.RoleCentro), engine.EventCreditSuspended)
		})
	}
}

func TestScenario_MultiShelf(t *testing.T) {
	for name, s := range scenarioServers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "multi-shelf"))

			rec := s.do(t, http.MethodGet, "/api/centri/centro-bologna/slots", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			occ := decode[OccupancyDTO](t, rec)

			// Shelf a: 6 slots. Shelf b: 4 positions, two merged into one.
			assert.Equal(t, 9, occ.Total)
			assert.Equal(t, 5, occ.Occupied)

			var labels []string
			for _, st := range occ.Slots {
				if st.RepairID != "" {
					labels = append(labels, st.Slot.Label)
				}
			}
			assert.ElementsMatch(t, []string{"A1", "A2", "A3", "B1", "B3"}, labels)
		})
	}
}

func TestScenario_Loyalty(t *testing.T) {
	for name, s := range scenarioServers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "loyalty"))

			rec := s.do(t, http.MethodGet, "/api/loyalty/customers/cust-anna/centri/"+demoCentro+"/active", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			card := decode[LoyaltyCardDTO](t, rec)

			rec = s.do(t, http.MethodGet, "/api/loyalty/cards/"+card.ID+"/usages", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Len(t, decode[[]UsageDTO](t, rec), 2)

			rec = s.do(t, http.MethodGet, "/api/loyalty/customers/cust-marco/centri/"+demoCentro+"/active", nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)

			// Only the bank transfer card has been charged so far
			rec = s.do(t, http.MethodGet, "/api/accounts/centro/"+demoCentro, nil)
			assert.Equal(t, "98.50", decode[AccountDTO](t, rec).CreditBalance)
		})
	}
}

func TestScenario_Forfeiture(t *testing.T) {
	for name, s := range scenarioServers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.handler.LoadScenarioByID(context.Background(), "forfeiture"))

			rec := s.do(t, http.MethodGet, "/api/centri/"+demoCentro+"/forfeiture", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			eligible := decode[[]ForfeitureDTO](t, rec)
			require.Len(t, eligible, 1)
			assert.Equal(t, -10, eligible[0].DaysRemaining)

			// One eligibility notice and one warning, sent once
			_, notified, err := s.handler.Scheduler.Scan(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, notified)
			_, notified, err = s.handler.Scheduler.Scan(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, notified)

			// The operator declares it abandoned
			s.mustAdvance(t, eligible[0].RepairID, "forfeited")
			rec = s.do(t, http.MethodGet, "/api/centri/"+demoCentro+"/forfeiture", nil)
			assert.Empty(t, decode[[]ForfeitureDTO](t, rec))
		})
	}
}

func TestScenario_ReloadReplacesData(t *testing.T) {
	s := newTestServerWith(t, store.NewTxMemory())
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "referred-flow"))
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "forfeiture"))

	rec := s.do(t, http.MethodGet, "/api/repairs/?centro_id="+demoCentro, nil)
	assert.Len(t, decode[[]RepairDTO](t, rec), 2)
}

func TestLoadScenario_Endpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "low-credit"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/repairs/", nil)
	assert.Empty(t, decode[[]RepairDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/scenarios/", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

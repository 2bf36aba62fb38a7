package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/batteryplan/pkg/types"
)

func manualBody(target float64, targetTime time.Time, extra string) string {
	return fmt.Sprintf(`{"targetSOCPercent":%v,"targetTime":%q%s}`, target, targetTime.Format(time.RFC3339), extra)
}

func TestManualPlan(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()
	targetTime := time.Now().Add(4 * time.Hour).Truncate(15 * time.Minute).UTC()

	rr := doRequest(t, h, http.MethodPost, "/api/plans/manual", manualBody(90, targetTime, `,"holdingHours":2,"activate":true`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decode[types.Plan](t, rr)
	assert.Equal(t, types.PlanTypeManual, p.Type)
	assert.Equal(t, types.PlanStatusActive, p.Status)
	require.NotNil(t, p.Holding)
	assert.Equal(t, 2.0, p.Holding.HoldingHours)
	assert.Equal(t, types.ModeForcedCharge, p.Holding.HoldingMode)
	assert.True(t, targetTime.Equal(p.Holding.TargetTime))
	assert.NotEmpty(t, p.Intervals)

	rr = doRequest(t, h, http.MethodGet, "/api/plans/active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, p.ID, decode[types.Plan](t, rr).ID)

	rr = doRequest(t, h, http.MethodGet, "/api/plans/"+p.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, p.ID, decode[types.Plan](t, rr).ID)

	rr = doRequest(t, h, http.MethodPost, "/api/plans/"+p.ID+"/deactivate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, types.PlanStatusDeactivated, decode[types.Plan](t, rr).Status)

	rr = doRequest(t, h, http.MethodGet, "/api/plans/active", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/plans/"+p.ID+"/activate", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestManualPlanSimulatedOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()
	targetTime := time.Now().Add(6 * time.Hour).UTC()

	rr := doRequest(t, h, http.MethodPost, "/api/plans/manual", manualBody(80, targetTime, `,"holdingMode":"home_3","hours":12`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	p := decode[types.Plan](t, rr)
	assert.Equal(t, types.PlanStatusSimulated, p.Status)
	require.NotNil(t, p.Holding)
	assert.Equal(t, types.ModeSolarToBattery, p.Holding.HoldingMode)
	assert.Zero(t, p.Holding.HoldingHours)
	assert.WithinDuration(t, time.Now().Add(12*time.Hour), p.End, time.Minute)

	rr = doRequest(t, h, http.MethodGet, "/api/plans/active", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/plans/"+p.ID+"/activate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, types.PlanStatusActive, decode[types.Plan](t, rr).Status)

	rr = doRequest(t, h, http.MethodGet, "/api/plans?type=manual&status=active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	plans := decode[[]types.Plan](t, rr)
	require.Len(t, plans, 1)
	assert.Equal(t, p.ID, plans[0].ID)
}

func TestManualPlanValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()
	now := time.Now()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"zero target", manualBody(0, now.Add(time.Hour), "")},
		{"target over 100", manualBody(101, now.Add(time.Hour), "")},
		{"past target time", manualBody(80, now.Add(-time.Hour), "")},
		{"target time after horizon", manualBody(80, now.Add(100*time.Hour), "")},
		{"negative holding", manualBody(80, now.Add(time.Hour), `,"holdingHours":-1`)},
		{"invalid holding mode", manualBody(80, now.Add(time.Hour), `,"holdingMode":7`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodPost, "/api/plans/manual", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestPlanNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	rr := doRequest(t, h, http.MethodGet, "/api/plans/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/plans/missing/activate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/plans/missing/deactivate", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListPlans(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	rr := doRequest(t, h, http.MethodGet, "/api/plans", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	for _, limit := range []string{"0", "101", "x"} {
		rr = doRequest(t, h, http.MethodGet, "/api/plans?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, limit)
	}
}

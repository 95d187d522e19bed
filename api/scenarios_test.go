/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Loads each embedded scenario through the API and checks the seeded
	state: pupils, balances, stock and orders.
*/
package api

import (
	"net/http"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (ts *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) remaining(t *testing.T, pupilID string) int {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/pupils/"+pupilID+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[BalanceDTO](t, rec).Remaining
}

func (ts *testServer) available(t *testing.T, prizeID string) int {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/prizes/"+prizeID+"/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[StockDTO](t, rec).Available
}

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []string
	for _, sc := range decode[[]ScenarioDTO](t, rec) {
		ids = append(ids, sc.ID)
		assert.NotEmpty(t, sc.Name)
	}
	assert.Equal(t, []string{"busy-week", "cyclic-lunch", "shop-basics"}, ids)
}

func TestScenario_ShopBasics(t *testing.T) {
	// GIVEN: The shop-basics scenario
	// WHEN: Loading it
	// THEN: Ada has 50 merits and the pen shelf has 10 - 3 = 7 units

	ts := newTestServer(t)
	ts.loadScenario(t, "shop-basics")

	assert.Equal(t, 50, ts.remaining(t, "pupil-ada"))
	assert.Equal(t, 7, ts.available(t, "prize-pen"))
	assert.Equal(t, 25, ts.available(t, "prize-rubber"))

	rec := ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "shop-basics", decode[map[string]string](t, rec)["scenario_id"])
}

func TestScenario_CyclicLunch(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "cyclic-lunch")

	assert.Equal(t, 80, ts.remaining(t, "pupil-alan"))
	assert.Equal(t, 1, ts.available(t, "prize-lunch"))
	assert.Equal(t, 1, ts.available(t, "prize-library"))
}

func TestScenario_BusyWeek(t *testing.T) {
	// GIVEN: The busy-week scenario
	// WHEN: Loading it
	// THEN: Refunded orders give merits and stock back, orders show every status

	ts := newTestServer(t)
	ts.loadScenario(t, "busy-week")

	assert.Equal(t, 45, ts.remaining(t, "pupil-mary"))
	assert.Equal(t, 45, ts.remaining(t, "pupil-isaac"))
	assert.Equal(t, 125, ts.remaining(t, "pupil-rosalind"))
	assert.Equal(t, 39, ts.available(t, "prize-pen"))
	assert.Equal(t, 1, ts.available(t, "prize-queue"))

	rec := ts.do(t, http.MethodGet, "/api/purchases?mode=all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[OrdersDTO](t, rec).Summary
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Pending)
	assert.Equal(t, 2, summary.Collected)
	assert.Equal(t, 1, summary.Refunded)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "busy-week")
	ts.loadScenario(t, "shop-basics")

	rec := ts.do(t, http.MethodGet, "/api/pupils", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PupilDTO](t, rec), 1)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.loadScenario(t, "shop-basics")
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/scenarios/reset", nil).Code)

	rec = ts.do(t, http.MethodGet, "/api/pupils", nil)
	assert.Empty(t, decode[[]PupilDTO](t, rec))
	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "", decode[map[string]string](t, rec)["scenario_id"])
}

func TestLoadScenarios_RejectsDuplicateIDs(t *testing.T) {
	fsys := fstest.MapFS{
		"scenarios/a.yaml": {Data: []byte("id: same\nname: A\n")},
		"scenarios/b.yaml": {Data: []byte("id: same\nname: B\n")},
	}

	_, err := loadScenarios(fsys)
	assert.ErrorContains(t, err, "duplicate")
}

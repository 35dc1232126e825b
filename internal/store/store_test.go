package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duneuav/planengine/internal/imc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "plandb"))
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Open())
}

func TestStoreAndLookupPlan(t *testing.T) {
	s := openTestStore(t)
	p := imc.PlanSpecification{PlanID: "p1", StartManID: "A"}
	require.NoError(t, s.StorePlan(p))

	got, err := s.LookupPlan("p1")
	require.NoError(t, err)
	assert.Equal(t, p.StartManID, got.StartManID)
}

func TestLookupMissingPlanReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LookupPlan("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StorePlan(imc.PlanSpecification{PlanID: "p1"}))
	require.NoError(t, s.Delete(imc.KindPlan, "p1"))

	_, err := s.LookupPlan("p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearRemovesOnlyMatchingKind(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.StorePlan(imc.PlanSpecification{PlanID: "p1"}))
	require.NoError(t, s.StoreMemento(imc.PlanMemento{ID: "m1", PlanID: "p1"}))

	require.NoError(t, s.Clear(imc.KindPlan))

	_, err := s.LookupPlan("p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LookupMemento("m1")
	assert.NoError(t, err)
}

func TestOnPlanDBGetMissingReturnsFailure(t *testing.T) {
	s := openTestStore(t)
	reply := s.OnPlanDB(imc.PlanDB{RequestID: 7, Op: imc.DBOpGet, Kind: imc.KindPlan, ID: "missing"})
	assert.False(t, reply.OK)
	assert.Equal(t, uint16(7), reply.RequestID)
}

func TestOnPlanDBSetThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	plan := imc.PlanSpecification{PlanID: "p9", StartManID: "A"}

	setReply := s.OnPlanDB(imc.PlanDB{Op: imc.DBOpSet, Kind: imc.KindPlan, ID: "p9", Plan: &plan})
	require.True(t, setReply.OK)

	getReply := s.OnPlanDB(imc.PlanDB{Op: imc.DBOpGet, Kind: imc.KindPlan, ID: "p9"})
	require.True(t, getReply.OK)
	require.NotNil(t, getReply.Plan)
	assert.Equal(t, "A", getReply.Plan.StartManID)
}

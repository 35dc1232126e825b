package memento

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duneuav/planengine/internal/imc"
)

func TestProcessMementoDiscardsUnknownPlanRef(t *testing.T) {
	h := New()
	_, produced := h.ProcessMemento(imc.Memento{PlanRef: 42, ManeuverID: "M2"})
	assert.False(t, produced)
}

func TestProcessMementoProducesForKnownPlanRef(t *testing.T) {
	h := New()
	h.Record(1, imc.PlanSpecification{PlanID: "p2"})

	out, produced := h.ProcessMemento(imc.Memento{PlanRef: 1, ManeuverID: "M2", Snapshot: []byte("resume")})
	require.True(t, produced)
	assert.Equal(t, "p2", out.PlanID)
	assert.Equal(t, "M2", out.ManeuverID)
	assert.Equal(t, []byte("resume"), out.Memento)
}

func TestForgetRemovesAssociation(t *testing.T) {
	h := New()
	h.Record(1, imc.PlanSpecification{PlanID: "p2"})
	h.Forget(1)

	_, produced := h.ProcessMemento(imc.Memento{PlanRef: 1, ManeuverID: "M2"})
	assert.False(t, produced)
}

func TestRecordEvictsOldestBeyondCap(t *testing.T) {
	h := New()
	for i := uint32(0); i < maxLiveRefs+10; i++ {
		h.Record(i, imc.PlanSpecification{PlanID: "p"})
	}
	assert.LessOrEqual(t, len(h.live), maxLiveRefs)

	// The oldest refs should have been evicted.
	_, produced := h.ProcessMemento(imc.Memento{PlanRef: 0})
	assert.False(t, produced)

	// The newest ref should still be present.
	_, produced = h.ProcessMemento(imc.Memento{PlanRef: maxLiveRefs + 9})
	assert.True(t, produced)
}

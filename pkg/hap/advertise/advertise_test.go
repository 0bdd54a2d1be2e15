package advertise

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gohap/hap/pkg/hap/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestTxtRecordsUnpaired(t *testing.T) {
	st := newTestStore(t)
	a := New("Lamp", 5001, 5, st)

	txt := a.txtRecords()
	require.Contains(t, txt, "c#=1")
	require.Contains(t, txt, "sf=1")
	require.Contains(t, txt, "ci=5")
	require.Contains(t, txt, "s#=1")
	require.Contains(t, txt, "pv=1.1")
}

func TestTxtRecordsPairedFlipsStatusFlag(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AddPairedClient("deadbeef", []byte("pubkey"), state.PermissionAdmin))

	a := New("Lamp", 5001, 5, st)
	txt := a.txtRecords()
	require.Contains(t, txt, "sf=0")
}

func TestOnStructuralChangeBumpsConfigVersion(t *testing.T) {
	st := newTestStore(t)
	require.Equal(t, uint64(1), st.ConfigVersion())

	a := &Advertiser{name: "Lamp", port: 5001, category: 5, store: st}
	require.NoError(t, a.OnStructuralChange())

	require.Equal(t, uint64(2), st.ConfigVersion())
	require.Contains(t, a.txtRecords(), "c#=2")
}

func TestSetupHashIsStableForSameInputs(t *testing.T) {
	st := newTestStore(t)
	a := New("Lamp", 5001, 5, st)

	txt1 := a.txtRecords()
	txt2 := a.txtRecords()
	require.Equal(t, txt1, txt2)
}

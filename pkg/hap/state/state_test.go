package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesFreshIdentityOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.Len(t, s.DeviceID(), 17) // "XX:XX:XX:XX:XX:XX"
	require.Len(t, s.Pincode(), 10)  // "XXX-XX-XXX"
	require.Len(t, s.SetupID(), 4)
	require.Equal(t, uint64(1), s.ConfigVersion())
	pub, priv := s.LongTermKeypair()
	require.Len(t, pub, 32)
	require.NotEmpty(t, priv)
	require.False(t, s.Paired())
}

func TestLoadRoundTripsIdentityAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s1, err := Load(path)
	require.NoError(t, err)

	pub, _ := s1.LongTermKeypair()
	require.NoError(t, s1.AddPairedClient("deadbeef", []byte("controller-pub"), PermissionAdmin))
	v, err := s1.BumpConfigVersion()
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	s2, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, s1.DeviceID(), s2.DeviceID())
	require.Equal(t, s1.Pincode(), s2.Pincode())
	pub2, _ := s2.LongTermKeypair()
	require.Equal(t, pub, pub2)
	require.Equal(t, uint64(2), s2.ConfigVersion())
	require.True(t, s2.Paired())

	client, ok := s2.PairedClient("deadbeef")
	require.True(t, ok)
	require.Equal(t, []byte("controller-pub"), client.PublicKey)
	require.Equal(t, byte(PermissionAdmin), client.Permissions)
}

func TestGeneratePincodeNeverReturnsAForbiddenCode(t *testing.T) {
	for i := 0; i < 5000; i++ {
		pincode, err := generatePincode()
		require.NoError(t, err)
		require.False(t, forbiddenPincodes[pincode], "generated forbidden pincode %s", pincode)
	}
}

func TestRemovePairedClientUnpairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.AddPairedClient("deadbeef", []byte("pub"), PermissionAdmin))
	require.True(t, s.Paired())

	require.NoError(t, s.RemovePairedClient("deadbeef"))
	require.False(t, s.Paired())
	_, ok := s.PairedClient("deadbeef")
	require.False(t, ok)
}

func TestPairedClientsReturnsIndependentSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.AddPairedClient("aa", []byte("pub"), PermissionRegular))
	snap := s.PairedClients()
	delete(snap, "aa")

	_, ok := s.PairedClient("aa")
	require.True(t, ok, "mutating the returned snapshot must not affect the store")
}

func TestIIDManagerSharedWithAccessoryDatabaseSurvivesSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	mgr := s.IIDManager()
	require.NotNil(t, mgr)
	_ = mgr.Assign(2, "lightbulb", "Lamp")
	require.NoError(t, s.Save())

	s2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, mgr.Assign(2, "lightbulb", "Lamp"), s2.IIDManager().Assign(2, "lightbulb", "Lamp"))
}

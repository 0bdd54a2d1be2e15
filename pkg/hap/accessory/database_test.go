package accessory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildLamp() *Accessory {
	return &Accessory{
		AID:      2,
		Category: CategoryLightbulb,
		Services: []*Service{
			{
				Type: "lightbulb",
				Name: "Lamp",
				Characteristics: []*Characteristic{
					{Type: "on", Description: "On", Format: FormatBool, Perms: []string{PermRead, PermWrite}},
				},
			},
		},
	}
}

func TestAddAccessoryAssignsIIDsInConstructionOrder(t *testing.T) {
	db := NewDatabase(nil)
	db.AddAccessory(buildLamp())

	a := db.Accessory(2)
	require.NotNil(t, a)
	require.Equal(t, uint64(1), a.Services[0].IID)
	require.Equal(t, uint64(2), a.Services[0].Characteristics[0].IID)
}

func TestIIDsStableAcrossRestartGivenSameTopology(t *testing.T) {
	iidMgr := NewIIDManager()
	db1 := NewDatabase(iidMgr)
	db1.AddAccessory(buildLamp())
	exported := iidMgr.Export()

	restored := Import(exported)
	db2 := NewDatabase(restored)
	db2.AddAccessory(buildLamp())

	require.Equal(t, db1.Accessory(2).Services[0].IID, db2.Accessory(2).Services[0].IID)
	require.Equal(t,
		db1.Accessory(2).Services[0].Characteristics[0].IID,
		db2.Accessory(2).Services[0].Characteristics[0].IID,
	)
}

func TestStructuralHashIgnoresValueChanges(t *testing.T) {
	db := NewDatabase(nil)
	db.AddAccessory(buildLamp())

	before := db.StructuralHash()
	require.NoError(t, db.Accessory(2).Services[0].Characteristics[0].SetValue(true))
	after := db.StructuralHash()

	require.Equal(t, before, after)
}

func TestStructuralHashChangesWithTopology(t *testing.T) {
	db := NewDatabase(nil)
	db.AddAccessory(buildLamp())
	before := db.StructuralHash()

	db.AddAccessory(&Accessory{
		AID:      3,
		Category: CategorySwitch,
		Services: []*Service{
			{Type: "switch", Name: "Fan", Characteristics: []*Characteristic{
				{Type: "on", Description: "On", Format: FormatBool, Perms: []string{PermRead, PermWrite}},
			}},
		},
	})
	after := db.StructuralHash()

	require.NotEqual(t, before, after)
}

func TestNextAIDStartsAfterBridge(t *testing.T) {
	db := NewDatabase(nil)
	require.Equal(t, uint64(2), db.NextAID())

	db.AddAccessory(buildLamp())
	require.Equal(t, uint64(3), db.NextAID())
}

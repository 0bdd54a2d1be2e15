// Package accessory implements the Accessory/Service/Characteristic
// attribute tree (spec §3, §4.C) as an arena: a single Database owns every
// accessory, service and characteristic, addressed by (aid, iid); children
// never hold an owning pointer back up to their parent (spec §9 "cyclic /
// back references").
package accessory

// Category is a hint to controllers about what icon/type of accessory this
// is, for UI purposes only (spec §3).
type Category int

const (
	CategoryOther              Category = 1
	CategoryBridge             Category = 2
	CategoryFan                Category = 3
	CategoryGarageDoorOpener   Category = 4
	CategoryLightbulb          Category = 5
	CategoryDoorLock           Category = 6
	CategoryOutlet             Category = 7
	CategorySwitch             Category = 8
	CategoryThermostat         Category = 9
	CategorySensor             Category = 10
	CategoryAlarmSystem        Category = 11
	CategoryDoor               Category = 12
	CategoryWindow             Category = 13
	CategoryWindowCovering     Category = 14
	CategoryProgrammableSwitch Category = 15
	CategoryRangeExtender      Category = 16
	CategoryCamera             Category = 17
)

// BridgeAID is the reserved aid of the primary/bridge accessory (spec §3).
const BridgeAID = 1

// AccessoryInformationType is the UUID of the mandatory AccessoryInformation
// service every accessory must expose at iid=1 (spec §3 invariant 2).
const AccessoryInformationType = "0000003E-0000-1000-8000-0026BB765291"

// Accessory is a unit exposed to HomeKit (spec §3).
type Accessory struct {
	AID      uint64
	Category Category
	Services []*Service
}

// Service returns the accessory's service with the given type, or nil.
func (a *Accessory) Service(typ string) *Service {
	for _, s := range a.Services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// Characteristic finds a characteristic anywhere in the accessory by type.
func (a *Accessory) Characteristic(typ string) *Characteristic {
	for _, s := range a.Services {
		if c := s.Characteristic(typ); c != nil {
			return c
		}
	}
	return nil
}

// CharacteristicByIID finds a characteristic anywhere in the accessory by
// its instance id.
func (a *Accessory) CharacteristicByIID(iid uint64) *Characteristic {
	for _, s := range a.Services {
		for _, c := range s.Characteristics {
			if c.IID == iid {
				return c
			}
		}
	}
	return nil
}

package accessory

import (
	"math"
)

// Formats a characteristic value may take (spec §3).
const (
	FormatBool   = "bool"
	FormatUInt8  = "uint8"
	FormatUInt16 = "uint16"
	FormatUInt32 = "uint32"
	FormatUInt64 = "uint64"
	FormatInt32  = "int32"
	FormatFloat  = "float"
	FormatString = "string"
	FormatTLV8   = "tlv8"
	FormatData   = "data"
)

// Permissions a characteristic may carry.
const (
	PermRead           = "pr"
	PermWrite          = "pw"
	PermNotify         = "ev"
	PermHidden         = "hd"
	PermAdditionalAuth = "aa"
	PermTimedWrite     = "tw"
	PermWriteResponse  = "wr"
)

// Units (spec §3).
const (
	UnitCelsius    = "celsius"
	UnitPercentage = "percentage"
	UnitArcDegrees = "arcdegrees"
	UnitLux        = "lux"
	UnitSeconds    = "seconds"
)

// Per-characteristic status codes (spec §4.I).
const (
	StatusSuccess                   = 0
	StatusNotPermitted              = -70401
	StatusResourceBusy              = -70402
	StatusCannotNow                 = -70403
	StatusOutOfResources            = -70404
	StatusOperationTimedOut         = -70405
	StatusResourceDoesNotExist      = -70406
	StatusInvalidValue              = -70407
	StatusInsufficientAuthorization = -70408
	StatusInvalidPID                = -70410
)

func isIntegerFormat(format string) bool {
	switch format {
	case FormatUInt8, FormatUInt16, FormatUInt32, FormatUInt64, FormatInt32:
		return true
	}
	return false
}

// ValidValuesRange is an inclusive [min,max] restriction on an enum format,
// as an alternative to an explicit ValidValues set (spec §3 constraints).
type ValidValuesRange struct {
	Min int
	Max int
}

// GetFunc is invoked on a pair-read when the characteristic has no cached
// Value, or always if set (spec §9 "sync vs async callbacks" — unified to a
// single synchronous contract at the session scheduler).
type GetFunc func() (any, error)

// SetFunc is the setter callback invoked for a controller-originated write,
// after the raw value has been coerced to the characteristic's format and
// constraints (spec §4.C, §9 "characteristic setter callback semantics").
type SetFunc func(value any) error

// Characteristic is a typed, permissioned attribute (spec §3).
type Characteristic struct {
	IID  uint64
	AID  uint64
	Type string

	Format      string
	Perms       []string
	Description string
	Unit        string

	MinValue         *float64
	MaxValue         *float64
	MinStep          *float64
	MaxLen           *int
	MaxDataLen       *int
	ValidValues      map[string]int // name -> wire value
	ValidValuesRange *ValidValuesRange

	Getter GetFunc
	Setter SetFunc

	value any
	db    *Database
}

// HasPerm reports whether the characteristic carries the given permission.
func (c *Characteristic) HasPerm(perm string) bool {
	for _, p := range c.Perms {
		if p == perm {
			return true
		}
	}
	return false
}

// Value returns the characteristic's current cached value, invoking the
// getter callback first if one is set.
func (c *Characteristic) Value() (any, error) {
	if c.Getter != nil {
		v, err := c.Getter()
		if err != nil {
			return nil, err
		}
		c.value = v
		return v, nil
	}
	return c.value, nil
}

// SetValue is the server-originated update path (spec §4.C): the new value
// is stored as-is (the caller is trusted code, not a HAP client) and
// notifications fire to every subscribed session, including the session
// that might itself have triggered the underlying change.
func (c *Characteristic) SetValue(v any) error {
	c.value = v
	if c.db != nil {
		c.db.notify(c.AID, c.IID, v, nil)
	}
	return nil
}

// ClientUpdateValue is the controller-originated write path (spec §4.C):
// the value is coerced to the characteristic's format/constraints, the
// setter callback (if any) is invoked with the coerced value, and
// notifications fire to every subscribed session except originator.
func (c *Characteristic) ClientUpdateValue(v any, originator any) (int, error) {
	coerced, status := c.coerce(v)
	if status != StatusSuccess {
		return status, nil
	}

	if c.Setter != nil {
		if err := c.Setter(coerced); err != nil {
			return StatusCannotNow, err
		}
	}

	c.value = coerced

	if c.db != nil {
		c.db.notify(c.AID, c.IID, coerced, originator)
	}

	return StatusSuccess, nil
}

// coerce applies the value-coercion table from spec §4.C: numeric values
// outside [min,max] are rejected outright (no clamping), in-range values
// snap to step, enum writes outside ValidValues are rejected, floats
// written to integer formats truncate toward zero, strings exceeding
// MaxLen are rejected.
func (c *Characteristic) coerce(v any) (any, int) {
	if len(c.ValidValues) > 0 {
		n, ok := toInt(v)
		if !ok {
			return nil, StatusInvalidValue
		}
		for _, allowed := range c.ValidValues {
			if allowed == n {
				return n, StatusSuccess
			}
		}
		return nil, StatusInvalidValue
	}

	switch c.Format {
	case FormatBool:
		b, ok := v.(bool)
		if !ok {
			if f, ok2 := v.(float64); ok2 {
				b = f != 0
			} else {
				return nil, StatusInvalidValue
			}
		}
		return b, StatusSuccess

	case FormatString:
		s, ok := v.(string)
		if !ok {
			return nil, StatusInvalidValue
		}
		if c.MaxLen != nil && len(s) > *c.MaxLen {
			return nil, StatusInvalidValue
		}
		return s, StatusSuccess

	case FormatUInt8, FormatUInt16, FormatUInt32, FormatUInt64, FormatInt32, FormatFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, StatusInvalidValue
		}

		if isIntegerFormat(c.Format) {
			f = math.Trunc(f)
		}

		if c.MinValue != nil && f < *c.MinValue {
			return nil, StatusInvalidValue
		}
		if c.MaxValue != nil && f > *c.MaxValue {
			return nil, StatusInvalidValue
		}

		if c.MinStep != nil && *c.MinStep > 0 {
			base := 0.0
			if c.MinValue != nil {
				base = *c.MinValue
			}
			steps := math.Round((f - base) / *c.MinStep)
			f = base + steps*(*c.MinStep)
		}

		return numberForFormat(c.Format, f), StatusSuccess

	case FormatTLV8, FormatData:
		return v, StatusSuccess

	default:
		return v, StatusSuccess
	}
}

func numberForFormat(format string, f float64) any {
	switch format {
	case FormatUInt8:
		return uint8(f)
	case FormatUInt16:
		return uint16(f)
	case FormatUInt32:
		return uint32(f)
	case FormatUInt64:
		return uint64(f)
	case FormatInt32:
		return int32(f)
	default:
		return f
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

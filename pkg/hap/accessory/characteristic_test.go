package accessory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func TestCoerceSnapsInRangeValueToStep(t *testing.T) {
	c := &Characteristic{
		Format:   FormatUInt8,
		MinValue: floatPtr(0),
		MaxValue: floatPtr(100),
		MinStep:  floatPtr(10),
	}

	v, status := c.coerce(float64(23))
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, uint8(20), v)
}

func TestCoerceRejectsOutOfRangeValueWithoutMutation(t *testing.T) {
	c := &Characteristic{
		Format:   FormatUInt8,
		MinValue: floatPtr(0),
		MaxValue: floatPtr(100),
		MinStep:  floatPtr(10),
	}

	v, status := c.coerce(float64(107))
	require.Equal(t, StatusInvalidValue, status)
	require.Nil(t, v)

	v, status = c.coerce(float64(-5))
	require.Equal(t, StatusInvalidValue, status)
	require.Nil(t, v)
}

func TestCoerceTruncatesFloatForIntegerFormat(t *testing.T) {
	c := &Characteristic{Format: FormatUInt8}
	v, status := c.coerce(float64(7.9))
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, uint8(7), v)
}

func TestCoerceRejectsValueOutsideValidValues(t *testing.T) {
	c := &Characteristic{
		Format:      FormatUInt8,
		ValidValues: map[string]int{"Off": 0, "On": 1},
	}

	_, status := c.coerce(float64(1))
	require.Equal(t, StatusSuccess, status)

	_, status = c.coerce(float64(2))
	require.Equal(t, StatusInvalidValue, status)
}

func TestCoerceRejectsStringOverMaxLen(t *testing.T) {
	c := &Characteristic{Format: FormatString, MaxLen: intPtr(3)}

	v, status := c.coerce("abc")
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, "abc", v)

	_, status = c.coerce("abcd")
	require.Equal(t, StatusInvalidValue, status)
}

func TestCoerceRejectsWrongType(t *testing.T) {
	c := &Characteristic{Format: FormatBool}
	_, status := c.coerce("not a bool")
	require.Equal(t, StatusInvalidValue, status)
}

func TestClientUpdateValueInvokesSetterAndNotifies(t *testing.T) {
	db := NewDatabase(nil)
	var notified []any
	db.SetNotifier(notifierFunc(func(aid, iid uint64, value any, originator any) {
		notified = append(notified, value)
	}))

	var setterCalled any
	c := &Characteristic{
		AID: 2, IID: 9, Format: FormatUInt8,
		Setter: func(v any) error { setterCalled = v; return nil },
		db:     db,
	}

	status, err := c.ClientUpdateValue(float64(42), nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, uint8(42), setterCalled)
	require.Equal(t, []any{uint8(42)}, notified)

	v, err := c.Value()
	require.NoError(t, err)
	require.Equal(t, uint8(42), v)
}

func TestClientUpdateValueSkipsSetterOnInvalidValue(t *testing.T) {
	called := false
	c := &Characteristic{
		Format: FormatUInt8,
		ValidValues: map[string]int{
			"On": 1,
		},
		Setter: func(v any) error { called = true; return nil },
	}

	status, err := c.ClientUpdateValue(float64(9), nil)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidValue, status)
	require.False(t, called)
}

type notifierFunc func(aid, iid uint64, value any, originator any)

func (f notifierFunc) Notify(aid, iid uint64, value any, originator any) {
	f(aid, iid, value, originator)
}

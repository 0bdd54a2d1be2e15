package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLoadsEmbeddedCatalog(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)
	require.NotNil(t, cat)

	cat2, err := Default()
	require.NoError(t, err)
	require.Same(t, cat, cat2, "Default must cache a single instance")
}

func TestNewCharacteristicCarriesConstraints(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	brightness, err := cat.NewCharacteristic("Brightness")
	require.NoError(t, err)
	require.Equal(t, "uint8", brightness.Format)
	require.NotNil(t, brightness.MinValue)
	require.Equal(t, float64(0), *brightness.MinValue)
	require.NotNil(t, brightness.MaxValue)
	require.Equal(t, float64(100), *brightness.MaxValue)
}

func TestNewCharacteristicUnknownNameErrors(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	_, err = cat.NewCharacteristic("NoSuchCharacteristic")
	require.Error(t, err)
}

func TestNewCharacteristicReturnsFreshInstanceEachCall(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	a, err := cat.NewCharacteristic("On")
	require.NoError(t, err)
	b, err := cat.NewCharacteristic("On")
	require.NoError(t, err)

	require.NotSame(t, a, b)
	a.Description = "mutated"
	require.NotEqual(t, a.Description, b.Description)
}

func TestNewServiceAttachesRequiredAndRequestedOptionalCharacteristics(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	svc, err := cat.NewService("Lightbulb", "Brightness")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range svc.Characteristics {
		names[c.Description] = true
	}
	require.True(t, names["On"], "On is required on Lightbulb")
	require.True(t, names["Brightness"], "Brightness was explicitly requested")
}

func TestNewServiceIgnoresUnrecognizedOptionalName(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	svc, err := cat.NewService("Switch", "NotAnOptionalCharacteristic")
	require.NoError(t, err)

	for _, c := range svc.Characteristics {
		require.NotEqual(t, "NotAnOptionalCharacteristic", c.Description)
	}
}

func TestNewServiceUnknownNameErrors(t *testing.T) {
	cat, err := Default()
	require.NoError(t, err)

	_, err = cat.NewService("NoSuchService")
	require.Error(t, err)
}

func TestNewFromJSONRejectsMalformedDocument(t *testing.T) {
	_, err := NewFromJSON([]byte("not json"), []byte("{}"))
	require.Error(t, err)

	_, err = NewFromJSON([]byte("{}"), []byte("not json"))
	require.Error(t, err)
}

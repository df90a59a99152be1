package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type OrderShipped struct {
	OrderID string `json:"orderId"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("Register and lookup type", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("orders.placed", OrderPlaced{}))

		typ, err := registry.Lookup("orders.placed")
		require.NoError(t, err)
		assert.Equal(t, "OrderPlaced", typ.Name())

		name, ok := registry.NameOf(OrderPlaced{OrderID: "1"})
		assert.True(t, ok)
		assert.Equal(t, "orders.placed", name)
	})

	t.Run("Register same type twice is allowed", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("orders.placed", OrderPlaced{}))
		assert.NoError(t, registry.Register("orders.placed", OrderPlaced{}))
	})

	t.Run("Register different type under taken name fails", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("orders.placed", OrderPlaced{}))

		err := registry.Register("orders.placed", OrderShipped{})
		assert.ErrorIs(t, err, ErrTypeConflict)
	})

	t.Run("Register rejects empty name and nil prototype", func(t *testing.T) {
		registry := NewTypeRegistry()
		assert.Error(t, registry.Register("", OrderPlaced{}))
		assert.Error(t, registry.Register("orders.placed", nil))
		assert.Error(t, registry.RegisterType(nil))
	})

	t.Run("RegisterType uses package qualified name", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.RegisterType(&OrderShipped{}))

		expected := "github.com/glimte/mmate-flow/serialization.OrderShipped"
		assert.Equal(t, expected, TypeName(OrderShipped{}))
		assert.Equal(t, []string{expected}, registry.Names())

		name, ok := registry.NameOf(&OrderShipped{})
		assert.True(t, ok)
		assert.Equal(t, expected, name)
	})

	t.Run("Lookup of unknown type fails", func(t *testing.T) {
		registry := NewTypeRegistry()
		_, err := registry.Lookup("missing")
		assert.ErrorIs(t, err, ErrTypeNotRegistered)

		_, ok := registry.NameOf(OrderPlaced{})
		assert.False(t, ok)
		_, ok = registry.NameOf(nil)
		assert.False(t, ok)
	})

	t.Run("Names are sorted", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.Register("b", OrderShipped{}))
		require.NoError(t, registry.Register("a", OrderPlaced{}))
		assert.Equal(t, []string{"a", "b"}, registry.Names())
	})

	t.Run("TypeName of builtin type", func(t *testing.T) {
		assert.Equal(t, "string", TypeName("x"))
		assert.Equal(t, "int", TypeName(new(int)))
	})
}

package rabbitmq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowedName(t *testing.T) {
	tests := []struct {
		name    string
		allowed bool
	}{
		{"orders", true},
		{"amq.topic", false},
		{"AMQ.custom", false},
		{"Amq.x", false},
		{"amq.", false},
		{"amq", true},
		{"amqp.events", true},
		{"my.amq.queue", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, IsAllowedName(tt.name))
		})
	}
}

func TestValidateName(t *testing.T) {
	t.Run("accepts ordinary names", func(t *testing.T) {
		assert.NoError(t, ValidateName("exchange", "orders"))
		assert.NoError(t, ValidateName("queue", "orders.audit"))
	})

	t.Run("rejects reserved prefix", func(t *testing.T) {
		err := ValidateName("queue", "amq.gen-123")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidName)

		var topoErr *TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "amq.gen-123", topoErr.Name)
		assert.Equal(t, "validate", topoErr.Op)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		err := ValidateName("exchange", "")
		assert.ErrorIs(t, err, ErrInvalidName)
		assert.True(t, IsConfigurationError(err))
		assert.False(t, IsTransient(err))
	})
}

package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_OrderedInvocation(t *testing.T) {
	registry := NewRegistry()

	var order []int
	registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 1) })
	registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 2) })
	registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 3) })

	registry.Notify(Dispatch{Family: FamilyControlNotify})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistry_FamilyIsolation(t *testing.T) {
	registry := NewRegistry()

	notifyCalls := 0
	statusCalls := 0
	registry.Add(FamilyControlNotify, func(Dispatch) { notifyCalls++ })
	registry.Add(FamilyControlStatus, func(Dispatch) { statusCalls++ })

	registry.Notify(Dispatch{Family: FamilyControlNotify})

	assert.Equal(t, 1, notifyCalls)
	assert.Equal(t, 0, statusCalls)
}

func TestRegistry_RemoveByToken(t *testing.T) {
	registry := NewRegistry()

	calls := 0
	token := registry.Add(FamilyControlNotify, func(Dispatch) { calls++ })
	assert.Equal(t, 1, registry.Count(FamilyControlNotify))

	registry.Remove(token)
	assert.Equal(t, 0, registry.Count(FamilyControlNotify))

	registry.Notify(Dispatch{Family: FamilyControlNotify})
	assert.Equal(t, 0, calls)

	// Removing twice is a no-op
	registry.Remove(token)
}

func TestRegistry_RemoveMiddlePreservesOrder(t *testing.T) {
	registry := NewRegistry()

	var order []int
	registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 1) })
	middle := registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 2) })
	registry.Add(FamilyControlNotify, func(Dispatch) { order = append(order, 3) })

	registry.Remove(middle)
	registry.Notify(Dispatch{Family: FamilyControlNotify})

	assert.Equal(t, []int{1, 3}, order)
}

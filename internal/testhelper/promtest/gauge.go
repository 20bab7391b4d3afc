package promtest

import (
	"sync"
)

//nolint: revive,stylecheck // This is unintentionally missing documentation.
type MockGauge struct {
	m          sync.RWMutex
	value      float64
	incs, decs int
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) Value() float64 {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.value
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) IncsCalled() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.incs
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) DecsCalled() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.decs
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) Inc() {
	m.m.Lock()
	defer m.m.Unlock()
	m.value++
	m.incs++
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) Dec() {
	m.m.Lock()
	defer m.m.Unlock()
	m.value--
	m.decs++
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (m *MockGauge) Set(v float64) {
	m.m.Lock()
	defer m.m.Unlock()
	m.value = v
}

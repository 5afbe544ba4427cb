package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off when the caller guarantees external
// synchronization. The zero value does not lock.
type OptionalMutex struct {
	mutex   sync.Mutex
	enabled bool
}

func NewOptionalMutex(enabled bool) *OptionalMutex {
	return &OptionalMutex{enabled: enabled}
}

// Enable must be called before the mutex is shared between goroutines
func (m *OptionalMutex) Enable(enabled bool) {
	m.enabled = enabled
}

func (m *OptionalMutex) Enabled() bool { return m.enabled }

func (m *OptionalMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is a sync.RWMutex that can be switched off when the caller guarantees external
// synchronization. The zero value does not lock.
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

func NewOptionalRWMutex(enabled bool) *OptionalRWMutex {
	return &OptionalRWMutex{enabled: enabled}
}

// Enable must be called before the mutex is shared between goroutines
func (m *OptionalRWMutex) Enable(enabled bool) {
	m.enabled = enabled
}

func (m *OptionalRWMutex) Enabled() bool { return m.enabled }

func (m *OptionalRWMutex) TryLock() bool {
	if m.enabled {
		return m.mutex.TryLock()
	}

	return true
}

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}

// RLocker returns a sync.Locker that takes the read side of this mutex
func (m *OptionalRWMutex) RLocker() sync.Locker {
	return optionalReadLocker{m}
}

type optionalReadLocker struct {
	m *OptionalRWMutex
}

func (l optionalReadLocker) Lock()   { l.m.RLock() }
func (l optionalReadLocker) Unlock() { l.m.RUnlock() }

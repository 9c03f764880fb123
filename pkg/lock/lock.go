// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock grants exclusive ownership of target entities to
// remediations. A lock is held for a bounded duration; its owner is notified
// when the lock is granted, refused, or lost.
package lock

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"go.uber.org/zap"
)

// Lock is a handle on one lock request.
type Lock interface {
	ResourceID() string
	OwnerKey() string
	IsActive() bool
	// Free releases the lock. It reports whether the lock was held.
	Free() bool
	// Extend pushes the expiry hold into the future. It fails on a lock that
	// is no longer active.
	Extend(hold time.Duration) bool
}

// Callback receives the result of a lock request. Available or Unavailable
// fires once; Unavailable may fire again later when a granted lock is lost.
type Callback interface {
	LockAvailable(l Lock)
	LockUnavailable(l Lock)
}

// Service is the lock collaborator consumed by remediations.
type Service interface {
	Lock(resourceID, ownerKey string, hold time.Duration, cb Callback) Lock
}

type state int

const (
	stateWaiting state = iota
	stateActive
	stateUnavailable
	stateFreed
)

// Manager is an in-process Service. Callbacks run on the executor.
type Manager struct {
	mu     sync.Mutex
	held   *expiremap.ExpireMap[string, *handle]
	exec   executor.Executor
	logger *zap.SugaredLogger
}

// NewManager creates a lock manager. maxHold bounds how long an entry can
// linger in the table after its owner vanished.
func NewManager(exec executor.Executor, maxHold time.Duration) *Manager {
	return &Manager{
		held:   expiremap.NewEx[string, *handle](time.Minute, maxHold),
		exec:   exec,
		logger: logger.For(logger.ComponentLockManager),
	}
}

type handle struct {
	mgr        *Manager
	resourceID string
	owner      string
	cb         Callback
	state      state
	timer      *time.Timer
}

func (h *handle) ResourceID() string { return h.resourceID }
func (h *handle) OwnerKey() string   { return h.owner }

func (h *handle) IsActive() bool {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()

	return h.state == stateActive
}

func (h *handle) Free() bool {
	return h.mgr.free(h)
}

func (h *handle) Extend(hold time.Duration) bool {
	return h.mgr.extend(h, hold)
}

// Lock requests resourceID for ownerKey. A request from the current owner
// takes the lock over and extends it.
func (m *Manager) Lock(resourceID, ownerKey string, hold time.Duration, cb Callback) Lock {
	h := &handle{mgr: m, resourceID: resourceID, owner: ownerKey, cb: cb}

	m.mu.Lock()

	if cur := m.current(resourceID); cur != nil && cur.owner != ownerKey {
		h.state = stateUnavailable
		m.mu.Unlock()

		m.logger.Debugw("lock denied", "resource", resourceID, "owner", ownerKey, "holder", cur.owner)
		metrics.RecordLockRequest("denied")
		m.exec.Go(func() { cb.LockUnavailable(h) })

		return h
	} else if cur != nil {
		cur.state = stateFreed
		cur.timer.Stop()
	}

	h.state = stateActive
	h.timer = time.AfterFunc(hold, func() { m.expire(h) })
	m.held.SetEx(resourceID, h, hold)
	m.mu.Unlock()

	m.logger.Debugw("lock granted", "resource", resourceID, "owner", ownerKey, "hold", hold)
	metrics.RecordLockRequest("granted")
	m.exec.Go(func() { cb.LockAvailable(h) })

	return h
}

// Holder returns the owner of resourceID, if any.
func (m *Manager) Holder(resourceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current(resourceID); cur != nil {
		return cur.owner, true
	}

	return "", false
}

// current must be called with mu held.
func (m *Manager) current(resourceID string) *handle {
	v, ok := m.held.Load(resourceID)
	if !ok || *v == nil || (*v).state != stateActive {
		return nil
	}

	return *v
}

func (m *Manager) free(h *handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.state != stateActive {
		return false
	}

	h.state = stateFreed
	h.timer.Stop()

	if m.current(h.resourceID) == h {
		m.held.Delete(h.resourceID)
	}

	m.logger.Debugw("lock freed", "resource", h.resourceID, "owner", h.owner)

	return true
}

func (m *Manager) extend(h *handle, hold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.state != stateActive {
		return false
	}

	h.timer.Reset(hold)
	m.held.SetEx(h.resourceID, h, hold)

	return true
}

func (m *Manager) expire(h *handle) {
	m.mu.Lock()

	if h.state != stateActive {
		m.mu.Unlock()

		return
	}

	h.state = stateUnavailable
	if m.current(h.resourceID) == h {
		m.held.Delete(h.resourceID)
	}
	m.mu.Unlock()

	m.logger.Infow("lock expired", "resource", h.resourceID, "owner", h.owner)
	metrics.RecordLockRequest("expired")
	m.exec.Go(func() { h.cb.LockUnavailable(h) })
}

// Revoke takes the lock away from its holder, which is told through
// LockUnavailable.
func (m *Manager) Revoke(resourceID string) bool {
	m.mu.Lock()

	cur := m.current(resourceID)
	if cur == nil {
		m.mu.Unlock()

		return false
	}

	cur.state = stateUnavailable
	cur.timer.Stop()
	m.held.Delete(resourceID)
	m.mu.Unlock()

	m.logger.Infow("lock revoked", "resource", resourceID, "owner", cur.owner)
	m.exec.Go(func() { cur.cb.LockUnavailable(cur) })

	return true
}

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

package eventmanager

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/ctxutil"
	"github.com/united-manufacturing-hub/remediation-core/pkg/future"
	"github.com/united-manufacturing-hub/remediation-core/pkg/lock"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

// lockHoldExtra is added to the remaining budget when requesting a lock.
const lockHoldExtra = 15 * time.Second

// RequestLock returns the lock future for targetEntity, requesting the lock
// on first use. onLost runs when the lock is refused or lost; immediately if
// that already happened.
func (m *Manager) RequestLock(targetEntity string, onLost func(*outcome.Outcome)) *future.Future[*outcome.Outcome] {
	m.mu.Lock()

	ld, ok := m.locks[targetEntity]
	if !ok {
		ld = newLockData(targetEntity, time.Now())
		m.locks[targetEntity] = ld
	}

	hold := lockHoldExtra + ctxutil.Remaining(m.endTime)
	m.mu.Unlock()

	if !ok {
		m.logger.Debugw("requesting lock", "target", targetEntity, "hold", hold)
		ld.setLock(m.svc.Locks.Lock(targetEntity, m.requestID, hold, ld))
	}

	if onLost != nil {
		ld.addUnavailableCallback(onLost)
	}

	return ld.future()
}

// lockData tracks one target lock of a remediation. Its future completes with
// SUCCESS once granted; a refusal or later loss swaps in a future completed
// with FAILURE and notifies every subscriber.
type lockData struct {
	mu         sync.Mutex
	target     string
	createTime time.Time
	fut        *future.Future[*outcome.Outcome]
	failed     *outcome.Outcome
	callbacks  []func(*outcome.Outcome)
	held       lock.Lock
	freed      bool
}

func newLockData(target string, created time.Time) *lockData {
	return &lockData{
		target:     target,
		createTime: created,
		fut:        future.New[*outcome.Outcome](),
	}
}

func (d *lockData) makeOutcome(result outcome.Result, message string) *outcome.Outcome {
	out := outcome.New(outcome.LockActor, outcome.LockOperation, d.target, d.createTime)

	return out.Finish(result, message)
}

func (d *lockData) setLock(l lock.Lock) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed {
		l.Free()

		return
	}

	if d.held == nil {
		d.held = l
	}
}

func (d *lockData) future() *future.Future[*outcome.Outcome] {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fut
}

func (d *lockData) addUnavailableCallback(cb func(*outcome.Outcome)) {
	d.mu.Lock()

	if d.failed != nil {
		failed := d.failed.Clone()
		d.mu.Unlock()

		cb(failed)

		return
	}

	d.callbacks = append(d.callbacks, cb)
	d.mu.Unlock()
}

func (d *lockData) LockAvailable(l lock.Lock) {
	d.mu.Lock()
	if d.freed {
		d.mu.Unlock()
		l.Free()

		return
	}

	d.held = l
	fut := d.fut
	d.mu.Unlock()

	fut.Complete(d.makeOutcome(outcome.Success, outcome.SuccessMessage))
}

func (d *lockData) LockUnavailable(l lock.Lock) {
	failed := d.makeOutcome(outcome.Failure, outcome.FailedMessage)

	d.mu.Lock()
	d.held = l
	d.failed = failed

	if !d.fut.Complete(failed) {
		d.fut = future.Completed(failed)
	}

	callbacks := append(([]func(*outcome.Outcome))(nil), d.callbacks...)
	d.mu.Unlock()

	for _, cb := range callbacks {
		cb(failed.Clone())
	}
}

// free releases the lock once.
func (d *lockData) free() bool {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.freed = true
	d.mu.Unlock()

	if held == nil {
		return false
	}

	return held.Free()
}

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

package control

import (
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
)

// registry holds the live remediations by request id.
type registry struct {
	mu       sync.RWMutex
	managers map[string]*eventmanager.Manager
}

func newRegistry() *registry {
	return &registry{managers: make(map[string]*eventmanager.Manager)}
}

// Lookup implements eventmanager.Owner.
func (r *registry) Lookup(requestID string) (*eventmanager.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.managers[requestID]

	return m, ok
}

// add registers m unless another manager holds its request id. The holder
// is returned in that case.
func (r *registry) add(m *eventmanager.Manager) (*eventmanager.Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.managers[m.RequestID()]; ok {
		return cur, false
	}

	r.managers[m.RequestID()] = m

	return m, true
}

// remove drops m. It reports false when m was already removed or replaced.
func (r *registry) remove(m *eventmanager.Manager) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.managers[m.RequestID()]; !ok || cur != m {
		return false
	}

	delete(r.managers, m.RequestID())

	return true
}

// list returns the managers ordered by request id.
func (r *registry) list() []*eventmanager.Manager {
	r.mu.RLock()
	out := make([]*eventmanager.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestID() < out[j].RequestID() })

	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.managers)
}

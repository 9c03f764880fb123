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

package policy

import "sync"

// Store holds the active control loop policies by name.
type Store struct {
	mu    sync.RWMutex
	loops map[string]*ControlLoop
}

func NewStore() *Store {
	return &Store{loops: make(map[string]*ControlLoop)}
}

// Put validates and stores loop, replacing an existing one with the same
// name. Remediations already running keep the policy they started with.
func (s *Store) Put(loop *ControlLoop) error {
	if err := loop.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loops[loop.Name] = loop.Clone()

	return nil
}

// Get returns a private copy of the named policy.
func (s *Store) Get(name string) (*ControlLoop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loop, ok := s.loops[name]
	if !ok {
		return nil, false
	}

	return loop.Clone(), true
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.loops))
	for name := range s.loops {
		out = append(out, name)
	}

	return out
}

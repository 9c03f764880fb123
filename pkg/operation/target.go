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

package operation

import (
	"errors"
	"strings"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
)

// detmTarget resolves the target entity. Event enrichment wins; the
// inventory custom query result is only a fallback for generic-vnf.vnf-name.
func (m *Manager) detmTarget() (string, error) {
	if m.policy.Target == nil {
		return "", errors.New("The target is null")
	}

	if m.policy.Target.Type == "" {
		return "", errors.New("The target type is null")
	}

	switch m.policy.Target.Type {
	case event.TargetPNF:
		return m.detmPnfTarget()
	case event.TargetVM, event.TargetVNF, event.TargetVFModule:
		return m.detmVfModuleTarget()
	default:
		return "", errors.New("The target type is not supported")
	}
}

func (m *Manager) eventTarget() (string, bool) {
	ev := m.opCtx.Event()
	if ev == nil || ev.Target == "" {
		return "", false
	}

	return strings.ToLower(ev.Target), true
}

func (m *Manager) detmPnfTarget() (string, error) {
	if t, ok := m.eventTarget(); !ok || t != event.PNFName {
		return "", errors.New("Target does not match target type")
	}

	entity := m.opCtx.Enrichment()[event.PNFName]
	if entity == "" {
		return "", errors.New("AAI section is missing " + event.PNFName)
	}

	return entity, nil
}

func (m *Manager) detmVfModuleTarget() (string, error) {
	field, ok := m.eventTarget()
	if !ok {
		return "", errors.New("Target is null")
	}

	var entity string

	switch field {
	case event.VserverName, event.GenericVNFID:
		entity = m.opCtx.Enrichment()[field]
	case event.GenericVNFName:
		return m.detmVnfName()
	default:
		return "", errors.New("Target does not match target type")
	}

	if entity == "" {
		return "", errors.New("Enrichment data is missing " + field)
	}

	return entity, nil
}

func (m *Manager) detmVnfName() (string, error) {
	if id := m.opCtx.Enrichment()[event.GenericVNFID]; id != "" {
		return id, nil
	}

	if id, ok := VnfIDFromCustomQuery(m.opCtx); ok {
		return id, nil
	}

	return "", errors.New("No vnf-id found")
}

// PropertyGetter reads remediation context properties.
type PropertyGetter interface {
	Property(name string) (any, bool)
}

// VnfIDFromCustomQuery extracts generic-vnf.vnf-id from a stored custom query
// response.
func VnfIDFromCustomQuery(props PropertyGetter) (string, bool) {
	v, ok := props.Property(actor.CustomQueryProperty)
	if !ok {
		return "", false
	}

	var id string

	switch data := v.(type) {
	case map[string]any:
		id, _ = data[event.GenericVNFID].(string)
	case map[string]string:
		id = data[event.GenericVNFID]
	}

	return id, id != ""
}

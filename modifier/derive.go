package modifier

import "maps"

// Entity is the partial-state document a modifier mutates. The cached value
// is the last provider-confirmed state; display state is always derived from
// it, never stored.
type Entity map[string]any

// Clone returns a shallow copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return Entity{}
	}

	return Entity(maps.Clone(map[string]any(e)))
}

// Derive folds modifiers over the cached entity in creation (FIFO) order and
// returns the value the entity should display. The fold is pure: neither the
// cached entity nor the modifiers are mutated, and each transform touches
// only its own entity. Resolved modifiers are skipped: a synced mutation is
// already reflected in the cache on the next refresh, and a failed one must
// not remain visible.
func Derive(cached Entity, mods []*Modifier) Entity {
	derived := cached.Clone()

	for _, m := range mods {
		if m == nil || m.Status.Resolved() {
			continue
		}

		derived = m.apply(derived)
	}

	return derived
}

func (m *Modifier) apply(entity Entity) Entity {
	switch m.Operation {
	case OperationPatch:
		for key, value := range m.Payload {
			entity[key] = value
		}
	case OperationMove:
		if folder, ok := m.Payload["folder"]; ok {
			entity["folder"] = folder
		}
	case OperationDelete:
		entity["deleted"] = true
	case OperationCreateDraft:
		// A draft materializes from its payload; the cached value is
		// typically empty for a locally-created entity.
		for key, value := range m.Payload {
			entity[key] = value
		}

		entity["draft"] = true
	}

	return entity
}

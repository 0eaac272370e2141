package registry

import (
	"encoding/json"
	"os"
)

// framRecord is one persisted (group, value) slot. Keyed on the pair
// rather than OID, since OIDs are reassigned fresh every process start
// (§4.4: registration is per-run, not stable across restarts).
type framRecord struct {
	Group uint16 `json:"group"`
	Value uint16 `json:"value"`
	Half  uint16 `json:"half"`
}

// LoadFRAM reads a persisted value snapshot from path and applies each
// record whose (group, value) is already registered, following the
// teacher's debug_snapshot.go pattern of restoring saved state onto an
// already-built table rather than reconstructing the table from the
// snapshot. Values persisted for a (group, value) no longer registered
// this run are silently skipped. A missing file is not an error: a
// fresh deployment has nothing to restore.
func (r *Registry) LoadFRAM(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var records []framRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		oid, ok := r.valueIndex[groupValueKey(rec.Group, rec.Value)]
		if !ok {
			continue
		}
		r.values[oid].LastHalf = rec.Half
	}
	return nil
}

// SaveFRAM writes every value with a non-None persist mode to path as
// a JSON array, atomically via a temp-file rename so a crash mid-write
// never leaves a truncated store behind.
func (r *Registry) SaveFRAM(path string) error {
	r.mu.Lock()
	var records []framRecord
	for _, v := range r.values {
		if v.Persist == PersistNone {
			continue
		}
		records = append(records, framRecord{Group: v.Group, Value: v.Value, Half: v.LastHalf})
	}
	r.mu.Unlock()

	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

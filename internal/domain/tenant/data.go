package tenant

import "strings"

// GetData returns the value at the dotted key path in the tenant's data
// document, or nil if any segment is missing.
func (t *Tenant) GetData(path string) any {
	cur := any(t.Data)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// HasData reports whether the dotted key path exists in the data document.
func (t *Tenant) HasData(path string) bool {
	cur := any(t.Data)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[seg]
		if !ok {
			return false
		}
	}
	return true
}

// SetData writes the value at the dotted key path, creating intermediate
// maps as needed. Intermediate non-map values are replaced.
func (t *Tenant) SetData(path string, value any) {
	if t.Data == nil {
		t.Data = make(map[string]any)
	}
	m := t.Data
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
}

// RemoveData deletes the value at the dotted key path. Missing segments
// are a no-op. Emptied intermediate maps are retained.
func (t *Tenant) RemoveData(path string) {
	if t.Data == nil {
		return
	}
	m := t.Data
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

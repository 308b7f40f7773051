/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mira

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maruel/natural"
)

// Store holds media records in upload order, plus the current selection.
// It is safe for concurrent use. Records going in and out are copies.
type Store struct {
	mu       sync.RWMutex
	order    []string
	records  map[string]*MediaRecord
	selected string

	// release frees a record's preview after it is removed
	release func(MediaRecord)
}

// NewStore returns an empty store. If release is not nil, it is called
// for every record removed from the store.
func NewStore(release func(MediaRecord)) *Store {
	return &Store{
		records: make(map[string]*MediaRecord),
		release: release,
	}
}

// Append adds records to the end of the store in the given order. It is
// all or nothing: if any ID is empty or already present (in the store or
// earlier in recs), nothing is added.
func (s *Store) Append(recs ...MediaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			return fmt.Errorf("record %q has no ID", r.Name)
		}
		if _, ok := s.records[r.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range recs {
		r = r.clone()
		r.HasLocation = r.Latitude != nil && r.Longitude != nil
		if !r.HasLocation {
			r.Latitude, r.Longitude = nil, nil
		}
		if r.Group == "" {
			r.Group = DefaultGroup
		}
		s.records[r.ID] = &r
		s.order = append(s.order, r.ID)
	}
	return nil
}

// Get returns the record with the given ID.
func (s *Store) Get(id string) (MediaRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return MediaRecord{}, false
	}
	return r.clone(), true
}

// Records returns all records in upload order.
func (s *Store) Records() []MediaRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// UpdateNote replaces the operator note of a record.
func (s *Store) UpdateNote(id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Note = note
	return nil
}

// SetLocation sets the coordinates of a record.
func (s *Store) SetLocation(id string, lat, lng float64) error {
	if !ValidCoordinates(lat, lng) {
		return ErrInvalidCoordinates
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Latitude, r.Longitude = &lat, &lng
	r.HasLocation = true
	return nil
}

// Delete removes a record, releasing its preview. If it was selected, the
// selection is cleared.
func (s *Store) Delete(id string) error {
	if s.DeleteMany([]string{id}) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteMany removes every record whose ID is in ids and returns how many
// were removed. Unknown IDs are ignored.
func (s *Store) DeleteMany(ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	s.mu.Lock()
	remove := make(map[string]struct{}, len(ids))
	var removed []MediaRecord
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			if _, dup := remove[id]; dup {
				continue
			}
			remove[id] = struct{}{}
			removed = append(removed, *r)
			delete(s.records, id)
		}
	}
	if len(removed) > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, ok := remove[id]; !ok {
				kept = append(kept, id)
			}
		}
		s.order = kept
		if _, ok := remove[s.selected]; ok {
			s.selected = ""
		}
	}
	s.mu.Unlock()

	if s.release != nil {
		for _, r := range removed {
			s.release(r)
		}
	}
	return len(removed)
}

// Select makes the record with the given ID the current selection.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.selected = id
	return nil
}

// Selected returns the currently selected record, if any.
func (s *Store) Selected() (MediaRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return MediaRecord{}, false
	}
	return s.records[s.selected].clone(), true
}

// ClearSelection deselects the current record, if any.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
}

// Groups returns the distinct groups of all records in natural order.
func (s *Store) Groups() []string {
	s.mu.RLock()
	set := make(map[string]struct{})
	for _, r := range s.records {
		set[r.Group] = struct{}{}
	}
	s.mu.RUnlock()

	groups := make([]string, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return natural.Less(groups[i], groups[j])
	})
	return groups
}

package table

import "slices"

// Store is an ordered set of tables keyed by name.
// Mutating methods return a new Store and leave the receiver untouched.
type Store struct {
	order  []string
	tables map[string]*Table
}

// NewStore builds a store; later tables replace earlier ones with the same name.
func NewStore(tables ...*Table) *Store {
	s := &Store{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		if _, ok := s.tables[t.Name]; !ok {
			s.order = append(s.order, t.Name)
		}
		s.tables[t.Name] = t
	}
	return s
}

// Len returns the number of tables. A nil store is empty.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns table names in insertion order.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Get returns the named table.
func (s *Store) Get(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tables[name]
	return t, ok
}

// Tables returns all tables in order.
func (s *Store) Tables() []*Table {
	if s == nil {
		return nil
	}
	out := make([]*Table, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tables[name])
	}
	return out
}

// Select returns a store with only the named tables, in store order.
// Unknown names are ignored.
func (s *Store) Select(names []string) *Store {
	var picked []*Table
	for _, t := range s.Tables() {
		if slices.Contains(names, t.Name) {
			picked = append(picked, t)
		}
	}
	return NewStore(picked...)
}

// ReplaceFile drops every table that came from fileName and appends tables.
func (s *Store) ReplaceFile(fileName string, tables []*Table) *Store {
	var kept []*Table
	for _, t := range s.Tables() {
		if t.FileName != fileName {
			kept = append(kept, t)
		}
	}
	return NewStore(append(kept, tables...)...)
}

// FileNames returns the distinct source file names in order.
func (s *Store) FileNames() []string {
	var names []string
	for _, t := range s.Tables() {
		if !slices.Contains(names, t.FileName) {
			names = append(names, t.FileName)
		}
	}
	return names
}

// SameNames reports whether s and other hold exactly the same table names.
func (s *Store) SameNames(other *Store) bool {
	if s.Len() != other.Len() {
		return false
	}
	for _, name := range s.Names() {
		if _, ok := other.Get(name); !ok {
			return false
		}
	}
	return true
}

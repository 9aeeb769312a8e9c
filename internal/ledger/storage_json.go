package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// storageDoc is the persisted shape: force -> x -> y -> name -> count.
type storageDoc map[string]map[string]map[string]map[string]int64

// MarshalJSON writes the nested mapping document.
func (s *Storage) MarshalJSON() ([]byte, error) {
	doc := storageDoc{}
	for k, v := range s.All() {
		xs := strconv.Itoa(k.X)
		ys := strconv.Itoa(k.Y)
		if doc[k.Force] == nil {
			doc[k.Force] = map[string]map[string]map[string]int64{}
		}
		if doc[k.Force][xs] == nil {
			doc[k.Force][xs] = map[string]map[string]int64{}
		}
		if doc[k.Force][xs][ys] == nil {
			doc[k.Force][xs][ys] = map[string]int64{}
		}
		doc[k.Force][xs][ys][k.Name] = v
	}
	return json.Marshal(doc)
}

// UnmarshalJSON replaces the contents with the decoded document. Both the
// nested mapping and the flat [[force,x,y,name,count],...] form are accepted.
func (s *Storage) UnmarshalJSON(b []byte) error {
	if s.Map == nil {
		s.Map = NewStorage().Map
	}
	s.Clear()

	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var counts []Count
		if err := json.Unmarshal(trimmed, &counts); err != nil {
			return fmt.Errorf("storage tuples: %w", err)
		}
		for _, c := range counts {
			s.Set(c.ItemKey, c.Count)
		}
		return nil
	}

	var doc storageDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return fmt.Errorf("storage document: %w", err)
	}
	for _, force := range slices.Sorted(maps.Keys(doc)) {
		xs, err := sortedInts(doc[force])
		if err != nil {
			return fmt.Errorf("storage document: force %q: %w", force, err)
		}
		for _, x := range xs {
			cols := doc[force][x.raw]
			ys, err := sortedInts(cols)
			if err != nil {
				return fmt.Errorf("storage document: force %q x %d: %w", force, x.n, err)
			}
			for _, y := range ys {
				names := cols[y.raw]
				for _, name := range slices.Sorted(maps.Keys(names)) {
					s.Set(ItemKey{Force: force, X: x.n, Y: y.n, Name: name}, names[name])
				}
			}
		}
	}
	return nil
}

type intKey struct {
	raw string
	n   int
}

func sortedInts[V any](m map[string]V) ([]intKey, error) {
	out := make([]intKey, 0, len(m))
	for raw := range m {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q: %w", raw, err)
		}
		out = append(out, intKey{raw: raw, n: n})
	}
	slices.SortFunc(out, func(a, b intKey) int { return a.n - b.n })
	return out, nil
}

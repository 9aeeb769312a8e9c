package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotPositive = errors.New("ledger: amount must be positive")
	ErrOverflow    = errors.New("ledger: quantity overflows int64")
)

// ItemKey identifies one spatial ledger slot: an owning force, a chunk
// bucket and a resource name.
type ItemKey struct {
	Force string
	X     int
	Y     int
	Name  string
}

func (k ItemKey) Levels() []any { return []any{k.Force, k.X, k.Y, k.Name} }

func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%s", k.Force, k.X, k.Y, k.Name)
}

// Count is one serialized ledger entry. On the wire it is the tuple
// [force, x, y, name, count].
type Count struct {
	ItemKey
	Count int64
}

func (c Count) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]any{c.Force, c.X, c.Y, c.Name, c.Count})
}

func (c *Count) UnmarshalJSON(b []byte) error {
	var raw [5]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("count tuple: %w", err)
	}
	dst := []any{&c.Force, &c.X, &c.Y, &c.Name, &c.Count}
	for i, part := range raw {
		if len(part) == 0 {
			return fmt.Errorf("count tuple: missing element %d", i)
		}
		if err := json.Unmarshal(part, dst[i]); err != nil {
			return fmt.Errorf("count tuple element %d: %w", i, err)
		}
	}
	return nil
}

// Storage is the quantity ledger. Values are strictly positive; setting a
// key to zero or below removes it.
type Storage struct {
	*Map[ItemKey, int64]
}

func NewStorage() *Storage {
	return &Storage{Map: NewMap[ItemKey, int64](func(v int64) bool { return v <= 0 })}
}

// StorageFrom builds a ledger from serialized counts.
func StorageFrom(counts []Count) *Storage {
	s := NewStorage()
	for _, c := range counts {
		s.Set(c.ItemKey, c.Count)
	}
	return s
}

// Amount returns the stored quantity, 0 when absent.
func (s *Storage) Amount(k ItemKey) int64 {
	v, _ := s.Get(k)
	return v
}

// Add adds a positive amount to k. A sum that would not fit in an int64
// is rejected and leaves the ledger unchanged.
func (s *Storage) Add(k ItemKey, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %s %d", ErrNotPositive, k, amount)
	}
	c := s.Amount(k)
	if c > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s %d + %d", ErrOverflow, k, c, amount)
	}
	s.Set(k, c+amount)
	return nil
}

// CanAdd reports whether Add(k, amount) would fit.
func (s *Storage) CanAdd(k ItemKey, amount int64) bool {
	return amount > 0 && s.Amount(k) <= math.MaxInt64-amount
}

// Serialize returns all entries in structural order.
func (s *Storage) Serialize() []Count {
	out := make([]Count, 0, s.Len())
	for k, v := range s.All() {
		out = append(out, Count{ItemKey: k, Count: v})
	}
	return out
}

// Clone returns an independent copy with the same structural order. The
// copy starts clean.
func (s *Storage) Clone() *Storage {
	c := StorageFrom(s.Serialize())
	c.ClearDirty()
	return c
}

// Diff returns the entries of live whose value differs from snap, with the
// new value. Keys present in snap but gone from live are reported with a
// count of 0, after the live entries.
func Diff(live, snap *Storage) []Count {
	var out []Count
	for k, v := range live.All() {
		if snap.Amount(k) != v {
			out = append(out, Count{ItemKey: k, Count: v})
		}
	}
	for k := range snap.Keys() {
		if _, ok := live.Get(k); !ok {
			out = append(out, Count{ItemKey: k})
		}
	}
	return out
}

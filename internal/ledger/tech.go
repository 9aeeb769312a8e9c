package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// TechKey is the flat two-level key (force, technology name).
type TechKey struct {
	Force string
	Name  string
}

func (k TechKey) Levels() []any { return []any{k.Force, k.Name} }

// Technology is the research state of one technology for one force.
// Progress is nil when researched or when nothing has been contributed.
type Technology struct {
	Level      int      `json:"level"`
	Progress   *float64 `json:"progress"`
	Researched bool     `json:"researched"`
}

// Technologies is the research ledger. Entries are never pruned
// implicitly.
type Technologies struct {
	*Map[TechKey, Technology]
}

func NewTechnologies() *Technologies {
	return &Technologies{Map: NewMap[TechKey, Technology](nil)}
}

func (t *Technologies) MarshalJSON() ([]byte, error) {
	doc := map[string]map[string]Technology{}
	for k, v := range t.All() {
		if doc[k.Force] == nil {
			doc[k.Force] = map[string]Technology{}
		}
		doc[k.Force][k.Name] = v
	}
	return json.Marshal(doc)
}

func (t *Technologies) UnmarshalJSON(b []byte) error {
	if t.Map == nil {
		t.Map = NewTechnologies().Map
	}
	t.Clear()
	var doc map[string]map[string]Technology
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("technologies document: %w", err)
	}
	for _, force := range slices.Sorted(maps.Keys(doc)) {
		techs := doc[force]
		for _, name := range slices.Sorted(maps.Keys(techs)) {
			t.Set(TechKey{Force: force, Name: name}, techs[name])
		}
	}
	return nil
}

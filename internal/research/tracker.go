// Package research keeps the shared technology ledger that instances
// contribute research progress to.
package research

import (
	"log"
	"regexp"
	"strconv"

	"subspace.ai/internal/ledger"
)

// Tech is the flat wire form of one technology.
type Tech struct {
	Force      string   `json:"force"`
	Name       string   `json:"name"`
	Level      int      `json:"level"`
	Progress   *float64 `json:"progress"`
	Researched bool     `json:"researched"`
}

// Finished announces that a technology level has been researched.
type Finished struct {
	Force string `json:"force"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Tracker applies contributions, completions and syncs to the technology
// ledger. Like the storage ledger it is owned by a single goroutine.
type Tracker struct {
	techs   *ledger.Technologies
	changed *ledger.Map[ledger.TechKey, struct{}]
	logger  *log.Logger
	verbose bool
}

func NewTracker(techs *ledger.Technologies, logger *log.Logger, verbose bool) *Tracker {
	if techs == nil {
		techs = ledger.NewTechnologies()
	}
	return &Tracker{
		techs:   techs,
		changed: ledger.NewMap[ledger.TechKey, struct{}](nil),
		logger:  logger,
		verbose: verbose,
	}
}

func (t *Tracker) Technologies() *ledger.Technologies { return t.techs }

// Pending reports whether progress changes are waiting to be broadcast.
func (t *Tracker) Pending() bool { return t.changed.Len() > 0 }

// Contribute adds research progress to a technology level. It reports
// whether the progress set changed (and a progress broadcast is due) and
// returns a Finished event when the contribution completes the level.
func (t *Tracker) Contribute(force, name string, level int, contribution float64) (progressed bool, fin *Finished) {
	k := ledger.TechKey{Force: force, Name: name}
	tech, ok := t.techs.Get(k)
	if !ok {
		tech = ledger.Technology{Level: level}
	} else if tech.Level > level || (tech.Level == level && tech.Researched) {
		return false, nil
	}

	// Contribution to the next level of a researched technology.
	if tech.Level == level-1 && tech.Researched {
		tech.Researched = false
		tech.Level = level
	}
	if tech.Level < level {
		return false, nil
	}

	progress := contribution
	if tech.Progress != nil {
		progress += *tech.Progress
	}
	switch {
	case progress <= 0 && tech.Progress == nil:
		// Nothing contributed yet; progress stays null.
	case progress < 1:
		tech.Progress = &progress
		t.changed.Set(k, struct{}{})
		progressed = true
	default:
		tech.Researched = true
		tech.Progress = nil
		t.changed.Remove(k)
		fin = &Finished{Force: force, Name: name, Level: tech.Level}
		t.logf("research: %s finished %s level %d", force, name, tech.Level)
	}
	t.techs.Set(k, tech)
	return progressed, fin
}

// Finish records a level as researched. It returns the event to forward,
// or nil when a higher level is already known.
func (t *Tracker) Finish(force, name string, level int) *Finished {
	k := ledger.TechKey{Force: force, Name: name}
	tech, ok := t.techs.Get(k)
	if ok && tech.Level > level {
		return nil
	}
	t.changed.Remove(k)
	t.techs.Set(k, ledger.Technology{Level: level, Researched: true})
	t.logf("research: %s finished %s level %d", force, name, level)
	return &Finished{Force: force, Name: name, Level: level}
}

// Sync merges an instance's view of its technologies into the ledger.
// Higher levels win, researched wins over unresearched and progress only
// moves forward. It returns the full technology list and the Finished
// events for levels the merge newly unlocked.
func (t *Tracker) Sync(instanceTechs []Tech) (all []Tech, finished []Finished) {
	for _, it := range instanceTechs {
		k := ledger.TechKey{Force: it.Force, Name: it.Name}
		progress := validProgress(it.Progress, it.Researched)
		tech, ok := t.techs.Get(k)
		if !ok {
			t.techs.Set(k, ledger.Technology{Level: it.Level, Progress: progress, Researched: it.Researched})
			if progress != nil {
				t.changed.Set(k, struct{}{})
			} else if it.Researched || baseLevel(it.Name) != it.Level {
				finished = append(finished, Finished{Force: it.Force, Name: it.Name, Level: it.Level})
			}
			continue
		}

		if tech.Level > it.Level || (tech.Level == it.Level && tech.Researched) {
			continue
		}
		if tech.Level < it.Level || it.Researched {
			if unlocked(it.Level, it.Researched) > unlocked(tech.Level, tech.Researched) {
				finished = append(finished, Finished{Force: it.Force, Name: it.Name, Level: unlocked(it.Level, it.Researched)})
			}
			tech = ledger.Technology{Level: it.Level, Progress: progress, Researched: it.Researched}
			if progress != nil {
				t.changed.Set(k, struct{}{})
			} else {
				t.changed.Remove(k)
			}
		} else if tech.Progress != nil && progress != nil && *tech.Progress < *progress {
			tech.Progress = progress
			t.changed.Set(k, struct{}{})
		}
		t.techs.Set(k, tech)
	}
	return t.All(), finished
}

// All returns every technology in ledger order.
func (t *Tracker) All() []Tech {
	out := make([]Tech, 0, t.techs.Len())
	for k, v := range t.techs.All() {
		out = append(out, Tech{Force: k.Force, Name: k.Name, Level: v.Level, Progress: v.Progress, Researched: v.Researched})
	}
	return out
}

// DrainProgress returns the changed technologies that still carry progress
// and resets the changed set.
func (t *Tracker) DrainProgress() []Tech {
	var out []Tech
	for k := range t.changed.Keys() {
		tech, ok := t.techs.Get(k)
		if !ok || tech.Progress == nil || *tech.Progress == 0 {
			continue
		}
		out = append(out, Tech{Force: k.Force, Name: k.Name, Level: tech.Level, Progress: tech.Progress})
	}
	t.changed.Clear()
	return out
}

func (t *Tracker) logf(format string, args ...any) {
	if t.verbose && t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

// unlocked is the highest level known to be researched.
func unlocked(level int, researched bool) int {
	if researched {
		return level
	}
	return level - 1
}

func validProgress(p *float64, researched bool) *float64 {
	if researched || p == nil || *p <= 0 {
		return nil
	}
	v := min(*p, 0.999999)
	return &v
}

var levelSuffix = regexp.MustCompile(`-(\d+)$`)

// baseLevel is the level implied by a technology name such as
// "mining-productivity-3". Names without a numeric suffix start at 1.
func baseLevel(name string) int {
	m := levelSuffix.FindStringSubmatch(name)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n
}

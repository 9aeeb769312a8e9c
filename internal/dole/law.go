package dole

import "math"

type TickInput struct {
	Stock         int64
	LastTickStock int64
	Dole          float64
	AvgRequest    float64
}

type DoseInput struct {
	Requested     int64
	Stock         int64
	LastTickStock int64
	Dole          float64
	Carry         float64
	LastRequest   int64
	AvgRequest    float64
	Debt          float64
}

type DoseOutput struct {
	Grant int64
	Dole  float64
	Carry float64
	Debt  float64
}

// ControlLaw is the numeric core of the adaptive policy. Tick recomputes a
// resource's dole level once per control interval and returns it with the
// gauge value to export. Dose sizes a single grant.
//
// Implementations must keep Dose grants in [0, min(Requested, Stock)], keep
// dole levels bounded, rise under sustained surplus and fall under
// sustained deficit.
type ControlLaw interface {
	Initial() float64
	Tick(in TickInput) (dole, gauge float64)
	Dose(in DoseInput) DoseOutput
}

// ProportionalLaw steers the dole level toward the fraction of demand the
// current stock could cover for CoverTicks ticks. Zero fields take the
// defaults of DefaultProportionalLaw.
type ProportionalLaw struct {
	MinDole     float64
	InitialDole float64
	CoverTicks  float64
	Gain        float64
	// TrendBias is added to the target when stock grew since the last tick
	// and subtracted when it shrank.
	TrendBias float64
	// ShortfallDecay multiplies the dole level when stock caps a dose.
	ShortfallDecay float64
	// DebtCap bounds debt at DebtCap*max(avg request, request).
	DebtCap float64
}

func DefaultProportionalLaw() ProportionalLaw {
	return ProportionalLaw{
		MinDole:        0.02,
		InitialDole:    0.5,
		CoverTicks:     10,
		Gain:           0.5,
		TrendBias:      0.05,
		ShortfallDecay: 0.9,
		DebtCap:        10,
	}
}

func (l ProportionalLaw) normalized() ProportionalLaw {
	d := DefaultProportionalLaw()
	if l.MinDole <= 0 || l.MinDole > 1 {
		l.MinDole = d.MinDole
	}
	if l.InitialDole <= 0 || l.InitialDole > 1 {
		l.InitialDole = d.InitialDole
	}
	if l.CoverTicks <= 0 {
		l.CoverTicks = d.CoverTicks
	}
	if l.Gain <= 0 || l.Gain > 1 {
		l.Gain = d.Gain
	}
	if l.TrendBias < 0 {
		l.TrendBias = d.TrendBias
	}
	if l.ShortfallDecay <= 0 || l.ShortfallDecay > 1 {
		l.ShortfallDecay = d.ShortfallDecay
	}
	if l.DebtCap <= 0 {
		l.DebtCap = d.DebtCap
	}
	return l
}

func (l ProportionalLaw) Initial() float64 { return l.normalized().InitialDole }

func (l ProportionalLaw) Tick(in TickInput) (float64, float64) {
	l = l.normalized()
	avg := math.Max(in.AvgRequest, 0.1)
	target := clamp(float64(in.Stock)/(avg*l.CoverTicks), 0, 1)
	switch {
	case in.Stock > in.LastTickStock:
		target += l.TrendBias
	case in.Stock < in.LastTickStock:
		target -= l.TrendBias
	}
	target = clamp(target, 0, 1)

	dole := in.Dole
	if dole <= 0 {
		dole = l.InitialDole
	}
	dole = clamp(dole+l.Gain*(target-dole), l.MinDole, 1)
	return dole, dole
}

func (l ProportionalLaw) Dose(in DoseInput) DoseOutput {
	l = l.normalized()
	out := DoseOutput{Dole: in.Dole, Carry: in.Carry, Debt: in.Debt}
	if out.Dole <= 0 {
		out.Dole = l.InitialDole
	}
	out.Dole = clamp(out.Dole, l.MinDole, 1)
	out.Carry = clamp(out.Carry, 0, 1)
	if in.Requested <= 0 || in.Stock <= 0 {
		if in.Requested > 0 {
			out.Debt = l.capDebt(out.Debt+float64(in.Requested)*out.Dole, in)
			out.Carry = 0
			out.Dole = math.Max(l.MinDole, out.Dole*l.ShortfallDecay)
		}
		return out
	}

	req := float64(in.Requested)
	if in.LastRequest > 0 {
		req = math.Min(req, 2*float64(in.LastRequest))
	}
	ideal := req*out.Dole + out.Carry
	owed := ideal
	if float64(in.Stock) < in.AvgRequest {
		owed = math.Min(owed, float64(in.Stock)*out.Dole)
	}
	due := min(int64(math.Floor(ideal)), in.Requested)
	grant := min(int64(math.Floor(owed)), in.Stock, due)

	if grant < due {
		// Stock capped the dose.
		out.Debt += ideal - float64(grant)
		out.Carry = 0
		out.Dole = math.Max(l.MinDole, out.Dole*l.ShortfallDecay)
	} else {
		out.Carry = clamp(ideal-float64(grant), 0, 0.999999)
		if out.Debt >= 1 {
			extra := min(int64(math.Floor(out.Debt)), in.Requested-grant, in.Stock-grant)
			if extra > 0 {
				grant += extra
				out.Debt -= float64(extra)
			}
		}
	}
	out.Debt = l.capDebt(out.Debt, in)
	out.Grant = clampGrant(grant, in.Stock, in.Requested)
	return out
}

func (l ProportionalLaw) capDebt(debt float64, in DoseInput) float64 {
	limit := l.DebtCap * math.Max(in.AvgRequest, float64(in.Requested))
	return clamp(debt, 0, limit)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

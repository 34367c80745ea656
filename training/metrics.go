package training

// MetricTracker accumulates running averages of named scalars over a span
// of steps, reset at each logging boundary.
type MetricTracker struct {
	totals map[string]float64
	counts map[string]int
}

func NewMetricTracker() *MetricTracker {
	t := &MetricTracker{}
	t.Reset()
	return t
}

// Reset clears all accumulated values.
func (t *MetricTracker) Reset() {
	t.totals = make(map[string]float64)
	t.counts = make(map[string]int)
}

// Update adds one observation of the named metric.
func (t *MetricTracker) Update(name string, value float64) {
	t.totals[name] += value
	t.counts[name]++
}

// UpdateAll adds one observation per entry.
func (t *MetricTracker) UpdateAll(values map[string]float64) {
	for name, v := range values {
		t.Update(name, v)
	}
}

// Avg returns the running average of the named metric, or zero if it was
// never updated.
func (t *MetricTracker) Avg(name string) float64 {
	if t.counts[name] == 0 {
		return 0
	}
	return t.totals[name] / float64(t.counts[name])
}

// Result returns the averages of every tracked metric.
func (t *MetricTracker) Result() map[string]float64 {
	out := make(map[string]float64, len(t.totals))
	for name := range t.totals {
		out[name] = t.Avg(name)
	}
	return out
}

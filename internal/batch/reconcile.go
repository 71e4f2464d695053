package batch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// state is the single collecting point of a run. Only the goroutine driving
// Run touches it.
type state struct {
	expected []string
	order    map[string]int
	items    map[string]WorkItem
	idField  string

	entries  []Entry
	owner    map[string]string
	raw      []string
	model    string
	failures []string
}

func newState(items []WorkItem, job Job) *state {
	st := &state{
		order:   make(map[string]int, len(items)),
		items:   make(map[string]WorkItem, len(items)),
		owner:   make(map[string]string),
		idField: job.IDField,
	}
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := st.order[it.ID]; dup {
			continue
		}
		st.order[it.ID] = len(st.expected)
		st.expected = append(st.expected, it.ID)
		st.items[it.ID] = it
	}
	return st
}

// merge folds one batch outcome into the run. An id is owned by the first
// batch that returned it; later batches cannot add entries for it.
func (st *state) merge(out batchOutcome, label string) {
	st.raw = append(st.raw, out.raw)
	if st.model == "" {
		st.model = out.model
	}
	for _, f := range out.failures {
		st.failures = append(st.failures, fmt.Sprintf("%s: %s", label, f))
	}

	var unexpected, duplicate []string
	for _, e := range out.entries {
		id := idOf(e, st.idField)
		if _, ok := st.order[id]; !ok {
			unexpected = append(unexpected, id)
			continue
		}
		if owner, ok := st.owner[id]; ok && owner != label {
			duplicate = append(duplicate, id)
			continue
		}
		st.owner[id] = label
		st.entries = append(st.entries, e)
	}
	if len(unexpected) > 0 {
		st.failures = append(st.failures, fmt.Sprintf("%s: dropped_unexpected_ids=%v", label, compact(unexpected)))
	}
	if len(duplicate) > 0 {
		st.failures = append(st.failures, fmt.Sprintf("%s: dropped_already_covered_ids=%v", label, compact(duplicate)))
	}
}

func (st *state) missing() []string {
	var out []string
	for _, id := range st.expected {
		if _, ok := st.owner[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (st *state) sort(job Job) {
	sub := func(e Entry) int {
		if job.SubIndex == nil {
			return 0
		}
		return job.SubIndex(e)
	}
	sort.SliceStable(st.entries, func(i, j int) bool {
		oi, oj := st.order[idOf(st.entries[i], st.idField)], st.order[idOf(st.entries[j], st.idField)]
		if oi != oj {
			return oi < oj
		}
		return sub(st.entries[i]) < sub(st.entries[j])
	})
}

// reconcile re-submits missing items for a bounded number of rounds, then
// fills whatever is still missing with placeholders and sorts the result.
func (c *Controller) reconcile(ctx context.Context, st *state, job Job) Result {
	missing := st.missing()
	round := 0
	var aborted error
	for len(missing) > 0 && round < c.opts.MaxMissingRetryRounds {
		if err := ctx.Err(); err != nil {
			aborted = err
			st.failures = append(st.failures, fmt.Sprintf("orchestration aborted: %v", err))
			break
		}
		round++
		_, span := c.tracer.Start(ctx, "batch.RetryMissing", trace.WithAttributes(
			attribute.Int("batch.round", round),
			attribute.Int("batch.missing", len(missing)),
		))
		items := make([]WorkItem, 0, len(missing))
		for _, id := range missing {
			items = append(items, st.items[id])
		}
		c.logger.Warn("regenerating missing items", "round", round, "missing", len(missing))
		st.merge(c.runOne(ctx, items, job, false), fmt.Sprintf("retry#%d", round))
		missing = st.missing()
		span.End()
	}

	res := Result{
		InputCount:     len(st.expected),
		CoveredCount:   len(st.owner),
		RetryRounds:    round,
		Missing:        missing,
		MissingReasons: map[string]string{},
	}

	if len(missing) > 0 {
		reason := fmt.Sprintf("not returned by model after %d retry rounds", round)
		if aborted != nil {
			reason = fmt.Sprintf("not returned by model; aborted after %d retry rounds: %v", round, aborted)
		}
		for _, id := range missing {
			st.entries = append(st.entries, placeholder(job, st.items[id]))
			res.MissingReasons[id] = reason
		}
		st.failures = append(st.failures, fmt.Sprintf("filled_placeholders_for_missing: %v", missing))
		res.Placeholders = len(missing)
		c.metrics.Placeholders(len(missing))
		c.logger.Error("filled placeholders", "ids", missing)
	}

	st.sort(job)
	res.Entries = st.entries
	res.RawText = strings.Join(st.raw, rawSeparator)
	res.Model = st.model
	res.Failures = st.failures
	return res
}

func placeholder(job Job, item WorkItem) Entry {
	var e Entry
	if job.Placeholder != nil {
		e = job.Placeholder(item)
	}
	if e == nil {
		e = Entry{}
	}
	e[job.IDField] = item.ID
	e["placeholder"] = true
	return e
}

func compact(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

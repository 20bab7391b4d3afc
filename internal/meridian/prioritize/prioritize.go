// Package prioritize orders pending changes by configured path rules
// before they are handed to the transfer workers.
package prioritize

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
)

// Rule is one compiled prioritization rule.
type Rule struct {
	pattern      *regexp.Regexp
	raw          string
	priority     int
	maxLatencyMs uint
}

// NewPrioritizer compiles the configured rules. Rule patterns were already
// validated at config load, so compilation failures here are programmer
// errors surfaced as plain errors.
func NewPrioritizer(log logrus.FieldLogger, conf config.Prioritization) (*Prioritizer, error) {
	rules := make([]Rule, 0, len(conf.Rules))
	for _, rule := range conf.Rules {
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rule.Pattern, err)
		}

		rules = append(rules, Rule{
			pattern:      pattern,
			raw:          rule.Pattern,
			priority:     rule.Priority,
			maxLatencyMs: rule.MaxLatencyMs,
		})
	}

	return &Prioritizer{
		log:     log.WithField("component", "prioritizer"),
		enabled: conf.Enabled,
		rules:   rules,
		latencyBreachTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_rule_latency_breaches_total",
				Help: "Total number of pair syncs whose latency exceeded a matching rule's SLO annotation",
			},
			[]string{"rule"},
		),
	}, nil
}

// Prioritizer applies the rule set to pending change batches.
type Prioritizer struct {
	log                logrus.FieldLogger
	enabled            bool
	rules              []Rule
	latencyBreachTotal *prometheus.CounterVec
}

// PriorityFor returns the priority of the change: the highest priority
// among matching rules, or 0 when no rule matches.
func (p *Prioritizer) PriorityFor(change datastore.Change) int {
	matched := false
	priority := 0
	for _, rule := range p.rules {
		if !rule.pattern.MatchString(change.Path) {
			continue
		}
		if !matched || rule.priority > priority {
			priority = rule.priority
			matched = true
		}
	}
	return priority
}

// Order sorts changes by descending priority. The sort is stable so equal
// priorities keep their input order. When prioritization is disabled the
// input slice is returned untouched.
func (p *Prioritizer) Order(changes []datastore.Change) []datastore.Change {
	if !p.enabled || len(p.rules) == 0 {
		return changes
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return p.PriorityFor(changes[i]) > p.PriorityFor(changes[j])
	})

	return changes
}

// ObserveLatency counts and logs rules whose latency annotation is breached
// by the pair carrying a matching change. Annotations never reorder
// anything; they only make slow syncs of prioritized data visible.
func (p *Prioritizer) ObserveLatency(source, target string, latencyMs float64, changes []datastore.Change) {
	if !p.enabled {
		return
	}

	for _, rule := range p.rules {
		if rule.maxLatencyMs == 0 || latencyMs <= float64(rule.maxLatencyMs) {
			continue
		}

		if !matchesAny(rule, changes) {
			continue
		}

		p.latencyBreachTotal.WithLabelValues(rule.raw).Inc()
		p.log.WithFields(logrus.Fields{
			"rule":           rule.raw,
			"source":         source,
			"target":         target,
			"latency_ms":     latencyMs,
			"max_latency_ms": rule.maxLatencyMs,
		}).Warn("pair latency exceeds rule annotation")
	}
}

func matchesAny(rule Rule, changes []datastore.Change) bool {
	for _, change := range changes {
		if rule.pattern.MatchString(change.Path) {
			return true
		}
	}
	return false
}

// Describe returns all metric descriptors.
func (p *Prioritizer) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, descs)
}

// Collect collects all metrics.
func (p *Prioritizer) Collect(collector chan<- prometheus.Metric) {
	p.latencyBreachTotal.Collect(collector)
}

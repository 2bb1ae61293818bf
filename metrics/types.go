// Package metrics exposes pipeline counters, gauges and histograms through a
// prometheus registry.
package metrics

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs.
// Dimensions become prometheus labels, e.g. channel or error kind.
type Dimension map[string]string

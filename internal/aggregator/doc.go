// Package aggregator queries every venue serving a network in parallel, ranks
// the answers and applies the preferred venue tie-break.
package aggregator

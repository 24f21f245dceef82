// Package sinks holds the concrete consumers behind the progress hub: a zap
// log sink, Prometheus collectors for run and item activity, and a store
// sink that turns run lifecycle events into persisted run records. Every
// sink tolerates repeated Consume/Close cycles.
package sinks

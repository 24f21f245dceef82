package batch

import (
	"fmt"
	"sort"
)

// OrderingMode selects the dispatch-order pre-pass applied before a run.
type OrderingMode string

// Supported ordering modes.
const (
	// OrderRoundRobin interleaves partitions, one item per partition per
	// cycle, skipping exhausted partitions.
	OrderRoundRobin OrderingMode = "round_robin"
	// OrderPriorityRoundRobin groups items by ascending priority value and
	// round-robins inside each tier.
	OrderPriorityRoundRobin OrderingMode = "priority_round_robin"
	// OrderStratified caps each partition's contribution at the sample size,
	// truncating the input without reordering it.
	OrderStratified OrderingMode = "stratified_sample"
)

// Order arranges items for dispatch. It is pure and deterministic: the input
// is never modified, relative order within a partition is preserved, and ties
// are broken by first appearance in the input. An empty mode means round
// robin.
func Order(items []Item, mode OrderingMode, sampleSize int) ([]Item, error) {
	switch mode {
	case OrderRoundRobin, "":
		return roundRobin(items), nil
	case OrderPriorityRoundRobin:
		return priorityRoundRobin(items), nil
	case OrderStratified:
		return stratified(items, sampleSize), nil
	default:
		return nil, fmt.Errorf("unknown ordering mode %q", mode)
	}
}

func roundRobin(items []Item) []Item {
	queues, order := groupByPartition(items)
	out := make([]Item, 0, len(items))
	taken := make(map[string]int, len(order))
	for len(out) < len(items) {
		for _, part := range order {
			queue := queues[part]
			if taken[part] >= len(queue) {
				continue
			}
			out = append(out, queue[taken[part]])
			taken[part]++
		}
	}
	return out
}

func priorityRoundRobin(items []Item) []Item {
	tiers := make(map[int][]Item)
	var values []int
	for _, it := range items {
		if _, ok := tiers[it.Priority]; !ok {
			values = append(values, it.Priority)
		}
		tiers[it.Priority] = append(tiers[it.Priority], it)
	}
	sort.Ints(values)
	out := make([]Item, 0, len(items))
	for _, v := range values {
		out = append(out, roundRobin(tiers[v])...)
	}
	return out
}

func stratified(items []Item, sampleSize int) []Item {
	if sampleSize <= 0 {
		return append([]Item(nil), items...)
	}
	taken := make(map[string]int)
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if taken[it.Partition] >= sampleSize {
			continue
		}
		taken[it.Partition]++
		out = append(out, it)
	}
	return out
}

func groupByPartition(items []Item) (map[string][]Item, []string) {
	queues := make(map[string][]Item)
	var order []string
	for _, it := range items {
		if _, ok := queues[it.Partition]; !ok {
			order = append(order, it.Partition)
		}
		queues[it.Partition] = append(queues[it.Partition], it)
	}
	return queues, order
}

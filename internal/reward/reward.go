// Package reward holds the item-to-points business rule, kept as a pure
// function so the coordination state machine never embeds the rate.
package reward

// Func maps a session's total item count to its reward points.
type Func func(itemCount int64) int64

// PerItem returns a linear rate: every item is worth the same points.
func PerItem(points int64) Func {
	return func(itemCount int64) int64 {
		return itemCount * points
	}
}

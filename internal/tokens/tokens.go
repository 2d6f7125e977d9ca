// Package tokens provides the pluggable token/cost estimation collaborator
// consumed by the dispatcher. The default heuristic is intentionally crude;
// swap in a real tokenizer by implementing Estimator.
package tokens

// Estimator estimates token counts for opaque text payloads.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic estimates roughly one token per four characters.
type Heuristic struct{}

// Estimate returns the approximate token count for text.
func (Heuristic) Estimate(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

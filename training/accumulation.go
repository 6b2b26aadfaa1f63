package training

// ShouldUpdate reports whether the optimizer steps at global step. Gradients
// of the micro-steps in between are summed.
func ShouldUpdate(step, accumulate int) bool {
	if accumulate <= 1 {
		return true
	}
	return step%accumulate == 0
}

// CountUpdates returns the number of optimizer updates issued over the
// global steps [0, steps).
func CountUpdates(steps, accumulate int) int {
	if steps <= 0 {
		return 0
	}
	if accumulate <= 1 {
		return steps
	}
	return (steps-1)/accumulate + 1
}

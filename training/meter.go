package training

// AverageMeter keeps a sample-weighted running mean.
type AverageMeter struct {
	sum   float64
	count int
	Avg   float64
}

// Update adds value observed over n samples.
func (m *AverageMeter) Update(value float64, n int) {
	if n <= 0 {
		return
	}
	m.sum += value * float64(n)
	m.count += n
	m.Avg = m.sum / float64(m.count)
}

// Count returns the number of samples seen.
func (m *AverageMeter) Count() int {
	return m.count
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

package pipeline

// BatchStats tracks counters and byte totals for one request.
type BatchStats struct {
	Total       int
	Succeeded   int
	Failed      int
	InputBytes  int64
	OutputBytes int64
}

// SpaceSaved returns the byte difference between inputs and outputs.
// Positive means outputs are smaller; negative means they grew.
func (s *BatchStats) SpaceSaved() int64 {
	return s.InputBytes - s.OutputBytes
}

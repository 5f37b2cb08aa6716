package core

// Segment is an ordered run of steps for one handle, bounded by the flush
// horizon or an episode boundary. Storage is flat and preallocated for the
// horizon so that recycling a segment never reallocates.
type Segment struct {
	Handle Handle
	Shape  Shape

	// Initial is the observation the first action was chosen from.
	Initial []float32

	// Partial marks a segment delivered before reaching the horizon or an
	// episode end (pool shutdown). Lost marks the final segment of a handle
	// whose worker could not be respawned.
	Partial bool
	Lost    bool

	actions      []float32
	observations []float32
	rewards      []float32
	terminated   []bool
	truncated    []bool
	infos        []Info
}

// NewSegment allocates storage for up to horizon steps.
func NewSegment(shape Shape, horizon int) *Segment {
	return &Segment{
		Shape:        shape,
		Initial:      make([]float32, 0, shape.Observation),
		actions:      make([]float32, 0, horizon*shape.Action),
		observations: make([]float32, 0, horizon*shape.Observation),
		rewards:      make([]float32, 0, horizon*shape.Reward),
		terminated:   make([]bool, 0, horizon),
		truncated:    make([]bool, 0, horizon),
		infos:        make([]Info, 0, horizon),
	}
}

// Reset clears the segment for reuse by handle h, starting from initial.
func (s *Segment) Reset(h Handle, initial []float32) {
	s.Handle = h
	s.Partial = false
	s.Lost = false
	s.Initial = append(s.Initial[:0], initial...)
	s.actions = s.actions[:0]
	s.observations = s.observations[:0]
	s.rewards = s.rewards[:0]
	s.terminated = s.terminated[:0]
	s.truncated = s.truncated[:0]
	s.infos = s.infos[:0]
}

// Append records the action taken and the result it produced.
func (s *Segment) Append(action []float32, r StepResult) {
	s.actions = append(s.actions, action...)
	s.observations = append(s.observations, r.Observation...)
	s.rewards = append(s.rewards, r.Reward...)
	s.terminated = append(s.terminated, r.Terminated)
	s.truncated = append(s.truncated, r.Truncated)
	s.infos = append(s.infos, r.Info)
}

// Len is the number of recorded steps.
func (s *Segment) Len() int { return len(s.terminated) }

// Action returns the action of step i.
func (s *Segment) Action(i int) []float32 {
	n := s.Shape.Action
	return s.actions[i*n : (i+1)*n]
}

// Observation returns the observation that followed step i.
func (s *Segment) Observation(i int) []float32 {
	n := s.Shape.Observation
	return s.observations[i*n : (i+1)*n]
}

// Reward returns the reward of step i.
func (s *Segment) Reward(i int) []float32 {
	n := s.Shape.Reward
	return s.rewards[i*n : (i+1)*n]
}

func (s *Segment) Terminated(i int) bool { return s.terminated[i] }
func (s *Segment) Truncated(i int) bool  { return s.truncated[i] }
func (s *Segment) Info(i int) Info       { return s.infos[i] }

// Done reports whether the last recorded step ended the episode.
func (s *Segment) Done() bool {
	n := s.Len()
	return n > 0 && (s.terminated[n-1] || s.truncated[n-1])
}

// LastObservation is the most recent observation of the handle.
func (s *Segment) LastObservation() []float32 {
	if s.Len() == 0 {
		return s.Initial
	}
	return s.Observation(s.Len() - 1)
}

// Return sums every reward component of the segment.
func (s *Segment) Return() float64 {
	var total float64
	for _, r := range s.rewards {
		total += float64(r)
	}
	return total
}

// RolloutBatch is the set of segments delivered to the learner in one flush.
type RolloutBatch struct {
	Tick     uint64
	Segments []*Segment
}

// Steps counts steps across every segment.
func (b *RolloutBatch) Steps() int {
	n := 0
	for _, s := range b.Segments {
		n += s.Len()
	}
	return n
}

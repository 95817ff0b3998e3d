package slotlm

import "slices"

// DecodeState is the per-slot bookkeeping of the engine, stored as one
// array per field indexed by slot.
type DecodeState struct {
	Step int

	PerSampleSteps           []int32
	Temperature              []float32
	TopP                     []float32
	TopK                     []int32
	PerExampleMaxDecodeSteps []int32
	IgnoreEOS                []bool
	Done                     []bool
	HasEOS                   []bool
	DecodeLengths            []int32
	PrefixLengths            []int32
	SegmentPos               []int32
	OutputIDs                []int32
	Logprobs                 []float32
}

// NewDecodeState allocates the state for slots slots. Every slot starts
// done, positioned at inputLen, with greedy sampling.
func NewDecodeState(slots, inputLen, maxDecodeSteps int) *DecodeState {
	s := &DecodeState{
		PerSampleSteps:           make([]int32, slots),
		Temperature:              make([]float32, slots),
		TopP:                     make([]float32, slots),
		TopK:                     make([]int32, slots),
		PerExampleMaxDecodeSteps: make([]int32, slots),
		IgnoreEOS:                make([]bool, slots),
		Done:                     make([]bool, slots),
		HasEOS:                   make([]bool, slots),
		DecodeLengths:            make([]int32, slots),
		PrefixLengths:            make([]int32, slots),
		SegmentPos:               make([]int32, slots),
		OutputIDs:                make([]int32, slots),
		Logprobs:                 make([]float32, slots),
	}
	s.reset(inputLen, maxDecodeSteps)
	return s
}

func (s *DecodeState) reset(inputLen, maxDecodeSteps int) {
	s.Step = inputLen
	for i := range s.Done {
		s.PerSampleSteps[i] = int32(inputLen)
		s.Temperature[i] = 0
		s.TopP[i] = 1
		s.TopK[i] = 1
		s.PerExampleMaxDecodeSteps[i] = int32(maxDecodeSteps)
		s.IgnoreEOS[i] = false
		s.Done[i] = true
		s.HasEOS[i] = false
		s.DecodeLengths[i] = 0
		s.PrefixLengths[i] = 0
		s.SegmentPos[i] = 0
		s.OutputIDs[i] = 0
		s.Logprobs[i] = 0
	}
}

// Slots is the number of slots tracked.
func (s *DecodeState) Slots() int { return len(s.Done) }

// Clone returns a deep copy.
func (s *DecodeState) Clone() *DecodeState {
	return &DecodeState{
		Step:                     s.Step,
		PerSampleSteps:           slices.Clone(s.PerSampleSteps),
		Temperature:              slices.Clone(s.Temperature),
		TopP:                     slices.Clone(s.TopP),
		TopK:                     slices.Clone(s.TopK),
		PerExampleMaxDecodeSteps: slices.Clone(s.PerExampleMaxDecodeSteps),
		IgnoreEOS:                slices.Clone(s.IgnoreEOS),
		Done:                     slices.Clone(s.Done),
		HasEOS:                   slices.Clone(s.HasEOS),
		DecodeLengths:            slices.Clone(s.DecodeLengths),
		PrefixLengths:            slices.Clone(s.PrefixLengths),
		SegmentPos:               slices.Clone(s.SegmentPos),
		OutputIDs:                slices.Clone(s.OutputIDs),
		Logprobs:                 slices.Clone(s.Logprobs),
	}
}

// copySlot overwrites slot dst with slot src of other. Step is untouched.
func (s *DecodeState) copySlot(dst int, other *DecodeState, src int) {
	s.PerSampleSteps[dst] = other.PerSampleSteps[src]
	s.Temperature[dst] = other.Temperature[src]
	s.TopP[dst] = other.TopP[src]
	s.TopK[dst] = other.TopK[src]
	s.PerExampleMaxDecodeSteps[dst] = other.PerExampleMaxDecodeSteps[src]
	s.IgnoreEOS[dst] = other.IgnoreEOS[src]
	s.Done[dst] = other.Done[src]
	s.HasEOS[dst] = other.HasEOS[src]
	s.DecodeLengths[dst] = other.DecodeLengths[src]
	s.PrefixLengths[dst] = other.PrefixLengths[src]
	s.SegmentPos[dst] = other.SegmentPos[src]
	s.OutputIDs[dst] = other.OutputIDs[src]
	s.Logprobs[dst] = other.Logprobs[src]
}

// Active reports which slots are still decoding.
func (s *DecodeState) Active() []bool {
	active := make([]bool, len(s.Done))
	for i, d := range s.Done {
		active[i] = !d
	}
	return active
}

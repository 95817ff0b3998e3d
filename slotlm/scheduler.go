package slotlm

import (
	"container/list"
	"context"
	"fmt"
)

// StepStats counts the work done by one scheduler step.
type StepStats struct {
	PrefillTokens int // prompt tokens prefilled, cache hits excluded
	DecodeTokens  int // tokens sampled by generate
}

// Scheduler is a FIFO driver for an Engine. Each step fills free slots from
// the waiting queue with prefill and insert, then advances every occupied
// slot with one generate and reclaims the slots that finished.
type Scheduler struct {
	engine   *Engine
	waiting  *list.List
	slots    []*Sequence
	prefixes *PrefixCache
}

// NewScheduler creates a new scheduler
func NewScheduler(engine *Engine) *Scheduler {
	s := &Scheduler{
		engine:  engine,
		waiting: list.New(),
		slots:   make([]*Sequence, engine.cfg.NumCacheSlots),
	}
	if n := engine.cfg.PrefixCacheSize; n > 0 {
		s.prefixes = NewPrefixCache(n)
	}
	return s
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	seq.Status = StatusWaiting
	s.waiting.PushBack(seq)
}

// PrefixCache returns the prefix cache, nil when disabled.
func (s *Scheduler) PrefixCache() *PrefixCache { return s.prefixes }

func (s *Scheduler) running() int {
	n := 0
	for _, seq := range s.slots {
		if seq != nil {
			n++
		}
	}
	return n
}

// Step schedules waiting sequences into free slots and runs one generate.
// It returns the sequences that finished during the step.
func (s *Scheduler) Step(ctx context.Context) ([]*Sequence, StepStats, error) {
	var (
		finished []*Sequence
		stats    StepStats
	)

	for slot := range s.slots {
		for s.slots[slot] == nil && s.waiting.Len() > 0 {
			elem := s.waiting.Front()
			seq := elem.Value.(*Sequence)
			s.waiting.Remove(elem)

			res, fromCache, err := s.prefill(ctx, seq)
			if err != nil {
				return nil, stats, fmt.Errorf("request %s: %w", seq.RequestID, err)
			}
			if !fromCache {
				stats.PrefillTokens += seq.NumPromptTokens()
			}
			seq.AppendToken(res.Token, res.Score)

			// a prompt whose first token ends it never takes a slot
			if res.Prefix.State.Done[0] {
				seq.finish(res.Prefix.State.HasEOS[0])
				finished = append(finished, seq)
				continue
			}
			if err := s.engine.Insert(ctx, res.Prefix, slot); err != nil {
				return nil, stats, fmt.Errorf("request %s: %w", seq.RequestID, err)
			}
			seq.Status = StatusRunning
			seq.Slot = slot
			s.slots[slot] = seq
		}
	}

	if s.running() == 0 {
		return finished, stats, nil
	}

	out, err := s.engine.Generate(ctx)
	if err != nil {
		return nil, stats, err
	}
	for slot, seq := range s.slots {
		if seq == nil {
			continue
		}
		stats.DecodeTokens++
		seq.AppendToken(out.Tokens[slot], out.Scores[slot])
		if out.Done[slot] {
			seq.finish(s.engine.state.HasEOS[slot])
			s.slots[slot] = nil
			finished = append(finished, seq)
		}
	}
	return finished, stats, nil
}

func (s *Scheduler) prefill(ctx context.Context, seq *Sequence) (*PrefillResult, bool, error) {
	params := seq.Params
	if params == nil {
		params = s.engine.cfg.defaultParams()
	}
	if s.prefixes != nil {
		if p := s.prefixes.Get(seq.PromptTokenIDs(), params); p != nil {
			return &PrefillResult{Score: p.Score(), Token: p.Token(), Prefix: p}, true, nil
		}
	}
	res, err := s.engine.Prefill(ctx, seq.PromptTokenIDs(), params)
	if err != nil {
		return nil, false, err
	}
	if s.prefixes != nil {
		s.prefixes.Put(seq.PromptTokenIDs(), params, res.Prefix)
	}
	return res, false, nil
}

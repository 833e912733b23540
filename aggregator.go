package main

import (
	"fmt"
	"log"

	"github.com/RoaringBitmap/roaring"
)

// #############################################################################

func NewAggregator(nParties int, logger *log.Logger) *Aggregator {
	return &Aggregator{
		nParties:   nParties,
		buffer:     make([]Ciphertext, 0, nParties),
		submitters: roaring.New(),
		log:        logger,
	}
}

// SetContext installs the public context used for homomorphic addition.
func (a *Aggregator) SetContext(ctx *PublicContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
}

// Begin opens the slot for one (round, slot) pair. The previous slot must
// have been cleared.
func (a *Aggregator) Begin(round, slot int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) > 0 || a.drained {
		return fmt.Errorf("begin round %d slot %d with %d buffered: %w", round, slot, len(a.buffer), ErrUndrainedBuffer)
	}
	a.round, a.slot, a.open = round, slot, true
	return nil
}

func (a *Aggregator) Submit(partyID int, ct Ciphertext) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return ErrNoOpenSlot
	}
	if a.drained {
		return fmt.Errorf("submit from party %d after reduce: %w", partyID, ErrUndrainedBuffer)
	}
	if len(a.buffer) >= a.nParties {
		return fmt.Errorf("submission %d from party %d, expected %d: %w", len(a.buffer)+1, partyID, a.nParties, ErrCapacityMismatch)
	}
	if partyID < 0 || partyID >= a.nParties {
		return fmt.Errorf("unknown party %d: %w", partyID, ErrCapacityMismatch)
	}
	if !a.submitters.CheckedAdd(uint32(partyID)) {
		return fmt.Errorf("party %d submitted twice: %w", partyID, ErrCapacityMismatch)
	}
	a.buffer = append(a.buffer, ct)
	return nil
}

// Reduce sums the buffered ciphertexts. The buffer is left in place, marked
// drained, until Clear.
func (a *Aggregator) Reduce() (Ciphertext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, ErrNoOpenSlot
	}
	if a.drained {
		return nil, fmt.Errorf("round %d slot %d reduced twice: %w", a.round, a.slot, ErrUndrainedBuffer)
	}
	if len(a.buffer) != a.nParties {
		return nil, fmt.Errorf("round %d slot %d has %d of %d submissions: %w", a.round, a.slot, len(a.buffer), a.nParties, ErrIncompleteAggregation)
	}
	if a.ctx == nil {
		return nil, fmt.Errorf("aggregator has no context")
	}

	var watch Stopwatch
	watch.Reset()
	sum := a.buffer[0]
	for i := 1; i < len(a.buffer); i++ {
		var err error
		sum, err = a.ctx.Add(sum, a.buffer[i])
		if err != nil {
			return nil, fmt.Errorf("round %d slot %d: %w", a.round, a.slot, err)
		}
	}
	a.drained = true
	a.log.Printf("round %d slot %d: reduced %d ciphertexts in %s\n", a.round, a.slot, len(a.buffer), watch.Elapsed())
	return sum, nil
}

// Clear empties the buffer and closes the slot. Calling it twice is a no-op.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.buffer {
		a.buffer[i] = nil
	}
	a.buffer = a.buffer[:0]
	a.submitters.Clear()
	a.drained = false
	a.open = false
}

func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// #############################################################################

package strategy

import (
	"encoding/json"
	"fmt"

	"quantlab/internal/broker"
	"quantlab/internal/domain"
	"quantlab/internal/ledger"
)

// Checkpoint is the state of a run after Bar bars were processed. Taken at
// a bar boundary, so no strategy commands are pending.
type Checkpoint struct {
	Bar      int             `json:"bar"`
	Ledger   ledger.State    `json:"ledger"`
	Broker   broker.State    `json:"broker"`
	Strategy json.RawMessage `json:"strategy,omitempty"`
}

// Stateful is implemented by strategies that keep state between bars which
// cannot be rebuilt from the feed. A resumed run restores it with Restore;
// other strategies have their OnBar replayed over the warmup window with
// order actions discarded.
type Stateful interface {
	Snapshot() (json.RawMessage, error)
	Restore(state json.RawMessage) error
}

// Checkpointing configures periodic snapshots of a run. Save is called from
// the run goroutine every Every bars; a failing Save is logged and the run
// continues.
type Checkpointing struct {
	Every int
	Save  func(cp Checkpoint) error
}

func (c *Checkpointing) due(processed, total int) bool {
	return c != nil && c.Every > 0 && c.Save != nil && processed < total && processed%c.Every == 0
}

func (r *run) checkpoint() (Checkpoint, error) {
	cp := Checkpoint{
		Bar:    r.processed,
		Ledger: r.l.State(),
		Broker: r.sim.State(),
	}
	if s, ok := r.job.Strategy.(Stateful); ok {
		state, err := s.Snapshot()
		if err != nil {
			return Checkpoint{}, fmt.Errorf("strategy snapshot: %w", err)
		}
		cp.Strategy = state
	}
	return cp, nil
}

// restore installs cp into the run and brings the strategy up to date. It
// returns the index of the first bar left to process.
func (r *run) restore(cp *Checkpoint) (int, error) {
	n := r.job.Feed.Len()
	if cp.Bar <= 0 || cp.Bar > n {
		return 0, fmt.Errorf("%w: checkpoint at bar %d outside feed of %d bars", domain.ErrInvalidConfig, cp.Bar, n)
	}
	r.l = ledger.Restore(r.job.Config, cp.Ledger)
	r.sim = broker.RestoreSimulator(r.job.Config, cp.Broker)
	r.c.ledger, r.c.sim = r.l, r.sim
	r.processed = cp.Bar

	if s, ok := r.job.Strategy.(Stateful); ok {
		if err := guard("restore", func() error { return s.Restore(cp.Strategy) }); err != nil {
			return 0, err
		}
		return cp.Bar, nil
	}
	for i := max(0, cp.Bar-r.job.Warmup); i < cp.Bar; i++ {
		r.c.advance(i)
		if err := guard("on_bar", func() error { return r.job.Strategy.OnBar(r.c) }); err != nil {
			return 0, err
		}
		r.c.takeQueue()
	}
	// Discarded actions still reserved order ids.
	r.sim = broker.RestoreSimulator(r.job.Config, cp.Broker)
	r.c.sim = r.sim
	return cp.Bar, nil
}

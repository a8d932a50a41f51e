package broker

import (
	"quantlab/internal/domain"
)

// State is a serialisable copy of a Simulator at a bar boundary.
type State struct {
	Orders  []domain.Order `json:"orders,omitempty"`
	NextID  int            `json:"nextId"`
	VolBar  int            `json:"volBar"`
	VolUsed float64        `json:"volUsed"`
}

// State returns a copy of every order and the id sequence.
func (s *Simulator) State() State {
	return State{
		Orders:  s.Orders(),
		NextID:  s.nextID,
		VolBar:  s.volBar,
		VolUsed: s.volUsed,
	}
}

// RestoreSimulator creates a Simulator for cfg holding st.
func RestoreSimulator(cfg domain.BacktestConfig, st State) *Simulator {
	s := NewSimulator(cfg)
	for _, o := range st.Orders {
		s.orders[o.ID] = &o
		s.seq = append(s.seq, o.ID)
	}
	s.nextID = st.NextID
	s.volBar = st.VolBar
	s.volUsed = st.VolUsed
	return s
}

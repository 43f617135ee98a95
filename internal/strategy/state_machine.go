package strategy

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventEnter {
			return StateEnter
		}
	case StateEnter:
		if event == EventHedgeOK {
			return StateHedgeOK
		}
		if event == EventExit {
			return StateExit
		}
	case StateHedgeOK:
		if event == EventExit {
			return StateExit
		}
	case StateExit:
		if event == EventDone {
			return StateIdle
		}
		if event == EventHedgeOK {
			return StateHedgeOK
		}
	}
	return current
}

// Tracker keeps one state machine per swap instrument.
type Tracker struct {
	mu       sync.Mutex
	machines map[string]*StateMachine
}

func NewTracker() *Tracker {
	return &Tracker{machines: make(map[string]*StateMachine)}
}

func (t *Tracker) For(instID string) *StateMachine {
	t.mu.Lock()
	defer t.mu.Unlock()
	sm, ok := t.machines[instID]
	if !ok {
		sm = NewStateMachine()
		t.machines[instID] = sm
	}
	return sm
}

func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.machines))
	for id, sm := range t.machines {
		out[id] = sm.Current()
	}
	return out
}

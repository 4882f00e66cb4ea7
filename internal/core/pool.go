package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentState marks whether an agent is eligible for scheduling.
type AgentState string

const (
	AgentOnline  AgentState = "online"
	AgentOffline AgentState = "offline"
)

// Agent is one registered worker: its capability labels, how many jobs
// it may run at once, and what it is currently running. Owned by the
// Pool; callers only ever see copies.
type Agent struct {
	ID       string     `json:"id"`
	Labels   []string   `json:"labels"`
	Capacity int        `json:"capacity"`
	Load     int        `json:"load"`
	State    AgentState `json:"state"`
	LastSeen time.Time  `json:"last_seen"`

	jobs map[string]struct{}
}

// LostJob identifies an in-flight job stranded by a reaped agent.
type LostJob struct {
	AgentID string
	JobID   string
}

// Pool tracks registered agents. Capacity counters are mutated only
// through Reserve and Release.
type Pool struct {
	mu               sync.Mutex
	agents           map[string]*Agent
	heartbeatTimeout time.Duration
}

func NewPool(heartbeatTimeout time.Duration) *Pool {
	return &Pool{
		agents:           make(map[string]*Agent),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register adds a worker with the given capability labels and capacity
// and returns its assigned identity.
func (p *Pool) Register(labels []string, capacity int) (Agent, error) {
	if capacity < 1 {
		return Agent{}, fmt.Errorf("capacity must be at least 1, got %d", capacity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	a := &Agent{
		ID:       uuid.NewString(),
		Labels:   append([]string(nil), labels...),
		Capacity: capacity,
		State:    AgentOnline,
		LastSeen: time.Now().UTC(),
		jobs:     make(map[string]struct{}),
	}
	p.agents[a.ID] = a
	return *a, nil
}

// Heartbeat refreshes the agent's liveness. A reaped agent that starts
// heartbeating again comes back online with a clean slate; its previous
// reservations were already failed over.
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	a.LastSeen = time.Now().UTC()
	a.State = AgentOnline
	return nil
}

// Deregister removes the agent and reports any jobs it still had
// reserved so the caller can fail them over.
func (p *Pool) Deregister(id string) ([]LostJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, ErrUnknownAgent
	}
	lost := stranded(a)
	delete(p.agents, id)
	return lost, nil
}

// Reserve takes one capacity slot on the agent for the job. Partial
// reservations are never visible: the slot is taken or an error comes
// back and nothing changed.
func (p *Pool) Reserve(id, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	if a.State != AgentOnline {
		return ErrAgentOffline
	}
	if a.Load >= a.Capacity {
		return ErrAgentSaturated
	}
	a.Load++
	a.jobs[jobID] = struct{}{}
	return nil
}

// Release frees the slot held for the job. Unknown reservations are
// ignored so release stays idempotent across failovers.
func (p *Pool) Release(id, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	if _, held := a.jobs[jobID]; !held {
		return nil
	}
	delete(a.jobs, jobID)
	a.Load--
	return nil
}

// Available lists online agents with at least one free slot, in stable
// ID order so scheduling passes are deterministic.
func (p *Pool) Available() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Agent
	for _, a := range p.agents {
		if a.State == AgentOnline && a.Load < a.Capacity {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReapStale transitions agents silent beyond the heartbeat timeout to
// Offline, clears their reservations, and returns the stranded jobs so
// the scheduler can fail them with reason AgentLost.
func (p *Pool) ReapStale(now time.Time) []LostJob {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lost []LostJob
	for _, a := range p.agents {
		if a.State != AgentOnline {
			continue
		}
		if now.Sub(a.LastSeen) <= p.heartbeatTimeout {
			continue
		}
		a.State = AgentOffline
		lost = append(lost, stranded(a)...)
		a.jobs = make(map[string]struct{})
		a.Load = 0
	}
	return lost
}

// List returns copies of all agents for status reporting.
func (p *Pool) List() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stranded(a *Agent) []LostJob {
	lost := make([]LostJob, 0, len(a.jobs))
	for jobID := range a.jobs {
		lost = append(lost, LostJob{AgentID: a.ID, JobID: jobID})
	}
	return lost
}

// Package registry tracks the liveness of wamp agents and selects agents
// for new boards: the registration agent for first contact and a regular
// agent to carry the board's sessions afterwards.
package registry

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// ErrNoAgents is returned when no online agent can carry a board.
var ErrNoAgents = errors.New("no online wamp agents")

// ErrNoRegistrationAgent is returned when no online agent holds the
// registration role.
var ErrNoRegistrationAgent = errors.New("no registration agent available")

// AgentRegistry is the conductor-side view of the wamp agents. Agents
// heartbeat by re-announcing themselves on the bus; a cron sweep expires the
// ones that stopped, flipping their boards offline.
type AgentRegistry struct {
	repo      *state.Repo
	heartbeat time.Duration
	cron      *cron.Cron
}

// New creates the registry. heartbeat is the liveness window: an agent
// silent for longer is considered gone.
func New(repo *state.Repo, heartbeat time.Duration) *AgentRegistry {
	r := &AgentRegistry{
		repo:      repo,
		heartbeat: heartbeat,
		cron:      cron.New(),
	}
	// Sweep twice per window so an agent is declared dead at most 1.5
	// windows after its last heartbeat.
	schedule := fmt.Sprintf("@every %s", heartbeat/2)
	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		log.Printf("[registry] invalid sweep schedule %q: %v", schedule, err)
	}
	return r
}

// Start begins the liveness sweep.
func (r *AgentRegistry) Start() {
	r.cron.Start()
}

// Stop halts the liveness sweep.
func (r *AgentRegistry) Stop() {
	r.cron.Stop()
}

// sweep expires agents whose last heartbeat is outside the window and takes
// their boards down with them: a dead agent cannot deliver leave events for
// the sessions it carried.
func (r *AgentRegistry) sweep() {
	cutoff := time.Now().Add(-r.heartbeat).UnixNano()
	expired, err := r.repo.ExpireAgents(cutoff)
	if err != nil {
		log.Printf("[registry] agent sweep failed: %v", err)
		return
	}
	for _, hostname := range expired {
		log.Printf("[registry] agent %s missed heartbeat window, marking offline", hostname)
		r.dropAgentBoards(hostname)
	}
}

func (r *AgentRegistry) dropAgentBoards(hostname string) {
	boards, err := r.repo.ListBoardsByAgent(hostname)
	if err != nil {
		log.Printf("[registry] list boards of %s: %v", hostname, err)
		return
	}
	for _, b := range boards {
		if s, err := r.repo.GetValidSession(b.UUID); err == nil {
			if _, err := r.repo.InvalidateSession(s.SessionID); err != nil {
				log.Printf("[registry] invalidate session of board %s: %v", b.UUID, err)
			}
		}
		if err := r.repo.SetBoardOffline(b.UUID); err != nil {
			log.Printf("[registry] offline board %s: %v", b.UUID, err)
		}
	}
}

// Announce records an agent heartbeat, creating the row on first contact.
func (r *AgentRegistry) Announce(hostname, wsurl string, ragent bool) error {
	return r.repo.RegisterAgent(hostname, wsurl, ragent)
}

// Touch refreshes an agent's heartbeat timestamp.
func (r *AgentRegistry) Touch(hostname string) error {
	return r.repo.TouchAgent(hostname)
}

// RegistrationAgent returns the online agent holding the registration role.
func (r *AgentRegistry) RegistrationAgent() (*model.Agent, error) {
	a, err := r.repo.GetRegistrationAgent()
	if errors.Is(err, state.ErrAgentNotFound) {
		return nil, ErrNoRegistrationAgent
	}
	return a, err
}

// BestAgent picks the agent to carry a new board: a uniformly random online
// agent that is not the registration agent. Agents are equivalent, so random
// choice spreads load statistically. When only the registration agent is
// online, it serves double duty rather than failing the onboarding.
func (r *AgentRegistry) BestAgent() (*model.Agent, error) {
	agents, err := r.repo.ListOnlineAgents()
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, ErrNoAgents
	}

	candidates := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		if !a.RAgent {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		// Only the registration agent is left.
		return &agents[0], nil
	}
	pick := candidates[rand.IntN(len(candidates))]
	return &pick, nil
}

// Package provision onboards boards: the register procedure published on
// the registration agent and the config blob handed to the device.
package provision

import (
	"errors"
	"fmt"
	"log"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/registry"
	"github.com/smartmeio/stack4things-openstack-iotronic/internal/state"
)

// RegistrationToken is the placeholder written into conf_clean blobs. The
// device replaces it with its code on first boot.
const RegistrationToken = "<REGISTRATION-TOKEN>"

// ErrUnknownCode is returned when no board carries the presented code.
var ErrUnknownCode = errors.New("board not found")

// Service implements the onboarding handshake.
type Service struct {
	repo   *state.Repo
	agents *registry.AgentRegistry
	realm  string
}

// New creates the onboarding service. realm is the WAMP realm written into
// device config blobs.
func New(repo *state.Repo, agents *registry.AgentRegistry, realm string) *Service {
	return &Service{repo: repo, agents: agents, realm: realm}
}

// Register handles register(code, session_id) from a device on the
// registration agent. First contact assigns a main agent and builds the
// config blob; a re-registration (crashed device, new SD card) supersedes
// the session and returns the existing blob unchanged.
func (s *Service) Register(code, sessionID string) (map[string]any, error) {
	board, err := s.repo.GetBoardByCode(code)
	if errors.Is(err, state.ErrBoardNotFound) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.CreateSession(board.ID, board.UUID, sessionID); err != nil {
		return nil, fmt.Errorf("session for board %s: %w", board.UUID, err)
	}

	if board.Status != model.StatusRegistered {
		// Already onboarded once: keep agent and config as they are.
		board.Status = model.StatusOffline
		if err := s.repo.UpdateBoard(board); err != nil {
			return nil, err
		}
		log.Printf("[provision] board %s re-registered (session %s)", board.UUID, sessionID)
		return board.Config, nil
	}

	ragent, err := s.agents.RegistrationAgent()
	if err != nil {
		return nil, err
	}
	main, err := s.agents.BestAgent()
	if err != nil {
		return nil, err
	}

	location, err := s.repo.GetLocation(board.ID)
	if errors.Is(err, state.ErrNotFound) {
		location = nil
	} else if err != nil {
		return nil, err
	}

	cfg := BuildConfig(board, location, ragent, main, s.realm)
	board.Agent = main.Hostname
	board.Config = cfg
	board.Status = model.StatusOffline
	if err := s.repo.UpdateBoard(board); err != nil {
		return nil, err
	}

	log.Printf("[provision] board %s onboarded to agent %s (session %s)", board.UUID, main.Hostname, sessionID)
	return cfg, nil
}

// BuildConfig assembles the config blob pushed to a device at onboarding.
// The layout is stable: devices parse it.
func BuildConfig(board *model.Board, location *model.Location, ragent, main *model.Agent, realm string) map[string]any {
	node := nodeSection(board)
	if location != nil {
		node["location"] = map[string]any{
			"longitude": location.Longitude,
			"latitude":  location.Latitude,
			"altitude":  location.Altitude,
		}
	}
	return map[string]any{
		"iotronic": map[string]any{
			"wamp": map[string]any{
				"registration-agent": agentSection(ragent, realm),
				"main-agent":         agentSection(main, realm),
			},
			"node":  node,
			"extra": map[string]any{},
		},
	}
}

// ConfClean builds the factory-reset variant of the blob: no main agent and
// a placeholder token instead of a code, ready to be flashed onto a blank
// device.
func ConfClean(board *model.Board, ragent *model.Agent, realm string) map[string]any {
	node := nodeSection(board)
	node["token"] = RegistrationToken
	return map[string]any{
		"iotronic": map[string]any{
			"wamp": map[string]any{
				"registration-agent": agentSection(ragent, realm),
			},
			"node":  node,
			"extra": map[string]any{},
		},
	}
}

func nodeSection(board *model.Board) map[string]any {
	return map[string]any{
		"id":         board.ID,
		"uuid":       board.UUID,
		"name":       board.Name,
		"type":       board.Type,
		"created_at": board.CreatedAtNs,
		"updated_at": board.UpdatedAtNs,
	}
}

func agentSection(a *model.Agent, realm string) map[string]any {
	return map[string]any{
		"url":   a.WSURL,
		"realm": realm,
	}
}

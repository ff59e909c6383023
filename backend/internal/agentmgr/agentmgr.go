package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog"
)

var (
	ErrAgentExists   = errors.New("agent already running for room")
	ErrAgentNotFound = errors.New("no agent for room")
)

// Membership reports who is currently connected to a room.
type Membership interface {
	Participants(ctx context.Context, room string) ([]string, error)
}

type roomService struct {
	client *lksdk.RoomServiceClient
}

// NewRoomMembership asks the LiveKit room service for participant lists.
func NewRoomMembership(url, apiKey, apiSecret string) Membership {
	return &roomService{client: lksdk.NewRoomServiceClient(url, apiKey, apiSecret)}
}

func (r *roomService) Participants(ctx context.Context, room string) ([]string, error) {
	resp, err := r.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", room, err)
	}
	out := make([]string, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		out = append(out, p.Identity)
	}
	return out, nil
}

// Agent describes one running agent process.
type Agent struct {
	Room     string    `json:"room"`
	Identity string    `json:"identity"`
	PID      int       `json:"pid"`
	Started  time.Time `json:"started"`
}

type Options struct {
	// Binary is started as `Binary --room=<room> --identity=<identity>`.
	Binary         string
	StopTimeout    time.Duration
	HealthInterval time.Duration
	HealthGrace    time.Duration
	// Membership may be nil, which disables the room-membership check.
	Membership Membership
	Logger     zerolog.Logger
}

type process struct {
	Agent
	cmd    *exec.Cmd
	exited chan struct{}
}

// Manager supervises one agent child process per room.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	agents map[string]*process
}

func New(opts Options) *Manager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 15 * time.Second
	}
	return &Manager{
		opts:   opts,
		log:    opts.Logger.With().Str("module", "agentmgr").Logger(),
		agents: map[string]*process{},
	}
}

// SpawnAgent starts an agent for room. The child inherits the parent environment.
func (m *Manager) SpawnAgent(room, identity string) (Agent, error) {
	if room == "" || identity == "" {
		return Agent{}, errors.New("room and identity are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[room]; ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentExists, room)
	}

	cmd := exec.Command(m.opts.Binary, "--room="+room, "--identity="+identity)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return Agent{}, fmt.Errorf("start agent for %s: %w", room, err)
	}

	p := &process{
		Agent:  Agent{Room: room, Identity: identity, PID: cmd.Process.Pid, Started: time.Now()},
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	m.agents[room] = p
	go m.wait(p)

	m.log.Info().Str("room", room).Str("identity", identity).Int("pid", p.PID).Msg("agent spawned")
	return p.Agent, nil
}

// wait reaps p and forgets it once it exits.
func (m *Manager) wait(p *process) {
	err := p.cmd.Wait()
	close(p.exited)

	m.mu.Lock()
	if m.agents[p.Room] == p {
		delete(m.agents, p.Room)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Str("room", p.Room).Int("pid", p.PID).Msg("agent exited")
		return
	}
	m.log.Info().Str("room", p.Room).Int("pid", p.PID).Msg("agent exited")
}

// StopAgent interrupts the room's agent and kills it if it has not exited
// within the stop timeout.
func (m *Manager) StopAgent(room string) error {
	m.mu.Lock()
	p, ok := m.agents[room]
	if ok {
		delete(m.agents, room)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, room)
	}
	m.stop(p)
	return nil
}

func (m *Manager) stop(p *process) {
	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
		return
	case <-time.After(m.opts.StopTimeout):
	}
	m.log.Warn().Str("room", p.Room).Int("pid", p.PID).Msg("agent ignored interrupt, killing")
	_ = p.cmd.Process.Kill()
	<-p.exited
}

// List returns the running agents ordered by room.
func (m *Manager) List() []Agent {
	m.mu.Lock()
	out := make([]Agent, 0, len(m.agents))
	for _, p := range m.agents {
		out = append(out, p.Agent)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Run performs health checks every interval until ctx is done, then stops every agent.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check stops agents that have been running longer than the grace period but
// are no longer participants of their room.
func (m *Manager) Check(ctx context.Context) {
	if m.opts.Membership == nil {
		return
	}
	now := time.Now()
	for _, a := range m.List() {
		if now.Sub(a.Started) < m.opts.HealthGrace {
			continue
		}
		ids, err := m.opts.Membership.Participants(ctx, a.Room)
		if err != nil {
			m.log.Warn().Err(err).Str("room", a.Room).Msg("healthcheck skipped")
			continue
		}
		if contains(ids, a.Identity) {
			continue
		}
		m.log.Warn().Str("room", a.Room).Str("identity", a.Identity).Msg("agent not in room, stopping")
		if err := m.StopAgent(a.Room); err != nil && !errors.Is(err, ErrAgentNotFound) {
			m.log.Error().Err(err).Str("room", a.Room).Msg("stop unhealthy agent")
		}
	}
}

// StopAll stops every running agent concurrently.
func (m *Manager) StopAll() {
	m.mu.Lock()
	procs := make([]*process, 0, len(m.agents))
	for room, p := range m.agents {
		procs = append(procs, p)
		delete(m.agents, room)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			m.stop(p)
		}(p)
	}
	wg.Wait()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Package shepherd supervises the flock of simulation agents: it translates
// control messages from the broker into subprocess lifecycle actions and
// keeps the registry the /status route reports on.
package shepherd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/config"
	"github.com/hongzhonglu/vivarium/internal/envelope"
	"github.com/hongzhonglu/vivarium/internal/gateway"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
	"github.com/hongzhonglu/vivarium/internal/metrics"
	"github.com/hongzhonglu/vivarium/internal/procman"
)

const sendTimeout = 10 * time.Second

// Agent is one supervised entry in the registry. The record exclusively owns
// its process handle and any temp files created for blob payloads.
type Agent struct {
	ID     string
	Type   string
	Config map[string]any

	proc      *procman.Process
	tempFiles []string
}

// AgentStatus is the /status projection of one agent record.
type AgentStatus struct {
	AgentID     string         `json:"agent_id"`
	AgentType   string         `json:"agent_type"`
	AgentConfig map[string]any `json:"agent_config"`
	Alive       bool           `json:"alive"`
}

// Supervisor owns the agent registry and routes control messages received on
// the shepherd-receive topic.
//
// Thread-safety: the registry serializes updates under a mutex. Prefix
// removal and broadcasts iterate over a snapshot of keys taken at the start;
// agents added concurrently may escape that particular batch.
type Supervisor struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	producer   gateway.Publisher
	topics     config.TopicsConfig
	launch     config.AgentsConfig
	childKafka map[string]any
	logger     *zap.Logger
	stdout     io.Writer
}

// New builds a supervisor from the service configuration.
func New(producer gateway.Publisher, cfg *config.Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		agents:     make(map[string]*Agent),
		producer:   producer,
		topics:     cfg.Topics,
		launch:     cfg.Agents,
		childKafka: cfg.ChildKafkaConfig(),
		logger:     logger,
		stdout:     os.Stdout,
	}
}

// Handle is the gateway dispatch target. Control verbs are honored only on
// the shepherd-receive topic; every other topic passes through untouched.
func (s *Supervisor) Handle(topic string, msg envelope.Message) error {
	if topic != s.topics.ShepherdReceive {
		return nil
	}
	switch msg.Event() {
	case envelope.EventAddAgent:
		_, err := s.Add(msg)
		return err
	case envelope.EventRemoveAgent:
		if prefix := msg.Prefix(); prefix != "" {
			s.RemovePrefix(prefix)
			return nil
		}
		return s.Remove(msg.AgentID())
	case envelope.EventShutdownAgent:
		return s.Remove(msg.AgentID())
	case envelope.EventTriggerAll:
		s.Broadcast(envelope.EventTriggerAgent)
	case envelope.EventPauseAll:
		s.Broadcast(envelope.EventPauseAgent)
	case envelope.EventShutdownAll:
		s.Broadcast(envelope.EventShutdownAgent)
	default:
		s.logger.Warn("Ignoring unknown control event",
			zap.String("event", msg.Event()),
			zap.String("topic", topic))
	}
	return nil
}

// Add spawns a new agent from an ADD_AGENT message and inserts its record.
// A message without an agent_id is assigned a fresh UUID. Replacing an
// existing id silently overwrites the record; callers are expected to choose
// fresh identifiers.
func (s *Supervisor) Add(msg envelope.Message) (*Agent, error) {
	id := msg.AgentID()
	if id == "" {
		id = uuid.NewString()
	}
	agentType := msg.AgentType()

	cfg := make(map[string]any, len(msg.AgentConfig())+2)
	for k, v := range msg.AgentConfig() {
		cfg[k] = v
	}
	if _, ok := cfg["kafka_config"]; !ok {
		cfg["kafka_config"] = s.childKafka
	}

	tempFiles, err := writeBlobFiles(id, msg.Blobs())
	if err != nil {
		removeFiles(tempFiles, s.logger)
		return nil, err
	}
	if len(tempFiles) > 0 {
		files := make([]any, len(tempFiles))
		for i, f := range tempFiles {
			files[i] = f
		}
		cfg["files"] = files
	}

	argv, err := s.composeArgv(id, agentType, cfg)
	if err != nil {
		removeFiles(tempFiles, s.logger)
		return nil, err
	}

	proc, err := procman.Spawn(procman.Options{
		Argv:   argv,
		Dir:    s.launch.Dir,
		Logger: s.logger,
	})
	if err != nil {
		removeFiles(tempFiles, s.logger)
		return nil, fmt.Errorf("shepherd: launch agent %s: %w", id, err)
	}
	go func() {
		// Tee the child's merged stdout+stderr for operator visibility.
		_, _ = io.Copy(s.stdout, proc.Output())
	}()

	agent := &Agent{
		ID:        id,
		Type:      agentType,
		Config:    cfg,
		proc:      proc,
		tempFiles: tempFiles,
	}
	s.mu.Lock()
	s.agents[id] = agent
	size := len(s.agents)
	s.mu.Unlock()

	metrics.AgentsSpawned.WithLabelValues(agentType).Inc()
	metrics.AgentsRunning.Set(float64(size))
	s.logger.Info("Added agent",
		zap.String("agent_id", id),
		zap.String("agent_type", agentType),
		zap.Int("pid", proc.Pid()),
		zap.Int("registry_size", size))
	return agent, nil
}

// composeArgv builds the child command line. A string boot runs as a module
// behind the configured interpreter prefix; a sequence boot is the literal
// invocation.
func (s *Supervisor) composeArgv(id, agentType string, cfg map[string]any) ([]string, error) {
	var argv []string
	switch boot := cfg["boot"].(type) {
	case string:
		argv = append(append([]string{}, s.launch.Interpreter...), boot)
	case []any:
		for _, part := range boot {
			p, ok := part.(string)
			if !ok {
				return nil, fmt.Errorf("shepherd: agent %s: boot element %v is not a string", id, part)
			}
			argv = append(argv, p)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("shepherd: agent %s: empty boot sequence", id)
		}
	case nil:
		if s.launch.Boot == "" {
			return nil, fmt.Errorf("shepherd: agent %s: no boot in message or configuration", id)
		}
		argv = append(append([]string{}, s.launch.Interpreter...), s.launch.Boot)
	default:
		return nil, fmt.Errorf("shepherd: agent %s: boot has unsupported type %T", id, boot)
	}

	cfgJSON, err := jsonx.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("shepherd: agent %s: encode config: %w", id, err)
	}
	return append(argv,
		"--id", id,
		"--type", agentType,
		"--config", string(cfgJSON)), nil
}

// Remove shuts one agent down: a SHUTDOWN_AGENT message gives it the chance
// to exit cleanly, the bounded wait elapses, a survivor is force-killed, and
// the record leaves the registry.
func (s *Supervisor) Remove(id string) error {
	s.mu.RLock()
	agent, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("Remove for unknown agent", zap.String("agent_id", id))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	shutdown := envelope.Message{"event": envelope.EventShutdownAgent, "agent_id": id}
	if err := s.producer.Send(ctx, s.topics.AgentReceive, shutdown); err != nil {
		s.logger.Error("Shutdown notice failed, terminating anyway",
			zap.String("agent_id", id),
			zap.Error(err))
	}

	if err := agent.proc.Terminate(s.launch.TerminateTimeout); err != nil {
		s.logger.Error("Terminate failed", zap.String("agent_id", id), zap.Error(err))
	}
	removeFiles(agent.tempFiles, s.logger)

	s.mu.Lock()
	if s.agents[id] == agent {
		delete(s.agents, id)
	}
	size := len(s.agents)
	s.mu.Unlock()

	metrics.AgentsRemoved.Inc()
	metrics.AgentsRunning.Set(float64(size))
	s.logger.Info("Removed agent", zap.String("agent_id", id), zap.Int("registry_size", size))
	return nil
}

// RemovePrefix removes every agent whose identifier starts with prefix. The
// key snapshot is taken once at the start; failures on individual agents do
// not abort the batch.
func (s *Supervisor) RemovePrefix(prefix string) {
	for _, id := range s.ids() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := s.Remove(id); err != nil {
			s.logger.Error("Prefix removal failed for agent",
				zap.String("agent_id", id),
				zap.String("prefix", prefix),
				zap.Error(err))
		}
	}
}

// Broadcast publishes {event, agent_id} on the agent-receive topic for every
// agent currently in the registry.
func (s *Supervisor) Broadcast(event string) {
	for _, id := range s.ids() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.producer.Send(ctx, s.topics.AgentReceive, envelope.Message{
			"event":    event,
			"agent_id": id,
		})
		cancel()
		if err != nil {
			s.logger.Error("Broadcast send failed",
				zap.String("event", event),
				zap.String("agent_id", id),
				zap.Error(err))
		}
	}
}

// Status projects the registry for the /status route. Liveness is queried
// from each process handle at call time.
func (s *Supervisor) Status() []AgentStatus {
	s.mu.RLock()
	agents := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	out := make([]AgentStatus, len(agents))
	for i, a := range agents {
		out[i] = AgentStatus{
			AgentID:     a.ID,
			AgentType:   a.Type,
			AgentConfig: a.Config,
			Alive:       a.proc.Alive(),
		}
	}
	return out
}

// Shutdown removes every agent, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	for _, id := range s.ids() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Remove(id); err != nil {
			s.logger.Error("Shutdown removal failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Supervisor) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// writeBlobFiles spills blob payloads to temp files the child receives as
// positional arguments. The paths live on the agent record and are removed
// when the record is removed.
func writeBlobFiles(agentID string, blobs [][]byte) ([]string, error) {
	var paths []string
	for i, blob := range blobs {
		f, err := os.CreateTemp("", fmt.Sprintf("shepherd-%s-%d-*", agentID, i))
		if err != nil {
			return paths, fmt.Errorf("shepherd: temp file for agent %s: %w", agentID, err)
		}
		paths = append(paths, f.Name())
		if _, err := f.Write(blob); err != nil {
			f.Close()
			return paths, fmt.Errorf("shepherd: write blob for agent %s: %w", agentID, err)
		}
		if err := f.Close(); err != nil {
			return paths, fmt.Errorf("shepherd: close blob for agent %s: %w", agentID, err)
		}
	}
	return paths, nil
}

func removeFiles(paths []string, logger *zap.Logger) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("Temp file removal failed", zap.String("path", p), zap.Error(err))
		}
	}
}

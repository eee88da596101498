// Package heartbeat loads the recurring-prompt policy file and fires
// its rules against sessions through the supervisor.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/supervisor"
	"github.com/brewva/brewva/internal/gateway/wal"
	"github.com/brewva/brewva/internal/metrics"
)

// Sessions is the slice of the supervisor the scheduler needs.
type Sessions interface {
	OpenSession(ctx context.Context, in supervisor.OpenInput) (*supervisor.OpenResult, error)
	SendPrompt(ctx context.Context, in supervisor.SendInput) (*supervisor.SendResult, error)
	StopSession(ctx context.Context, sessionID, reason string) bool
	HasSession(sessionID string) bool
}

// Broadcast delivers a non-session-scoped event to all connections.
type Broadcast func(event string, payload json.RawMessage)

// Rule is one loaded policy rule.
type Rule struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Every     time.Duration `json:"every"`
	SessionID string        `json:"sessionId"`
	Enabled   bool          `json:"enabled"`
}

// DefaultSessionID is the session a rule targets when the policy names
// none.
func DefaultSessionID(ruleID string) string {
	return "heartbeat:" + ruleID
}

// ReloadResult reports one policy reload.
type ReloadResult struct {
	SourcePath       string    `json:"sourcePath"`
	LoadedAt         time.Time `json:"loadedAt"`
	Rules            int       `json:"rules"`
	RemovedRules     int       `json:"removedRules"`
	ClosedSessions   int       `json:"closedSessions"`
	RemovedRuleIDs   []string  `json:"removedRuleIds"`
	ClosedSessionIDs []string  `json:"closedSessionIds"`
}

// FiredPayload is the heartbeat.fired event payload.
type FiredPayload struct {
	RuleID    string `json:"ruleId"`
	SessionID string `json:"sessionId"`
	Ts        int64  `json:"ts"`
	HasResult bool   `json:"hasResult"`
}

// Scheduler owns the policy state and the firing loop.
type Scheduler struct {
	path      string
	sessions  Sessions
	broadcast Broadcast

	mu       sync.Mutex
	rules    []Rule
	tracked  map[string]string // rule id -> resolved session id
	lastFire map[string]time.Time
	firing   map[string]bool
	loadedAt time.Time
}

// New creates a Scheduler for the policy at path. broadcast may be nil.
func New(path string, sessions Sessions, broadcast Broadcast) *Scheduler {
	return &Scheduler{
		path:      path,
		sessions:  sessions,
		broadcast: broadcast,
		tracked:   make(map[string]string),
		lastFire:  make(map[string]time.Time),
		firing:    make(map[string]bool),
	}
}

// policy file shape; Every is a duration string.
type policyFile struct {
	Rules []struct {
		ID        string `koanf:"id"`
		Prompt    string `koanf:"prompt"`
		Every     string `koanf:"every"`
		SessionID string `koanf:"session_id"`
		Enabled   *bool  `koanf:"enabled"`
	} `koanf:"rules"`
}

// loadPolicy parses the policy file. A missing file is an empty policy.
func loadPolicy(path string) ([]Rule, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load heartbeat policy: %w", err)
	}
	var pf policyFile
	if err := k.Unmarshal("", &pf); err != nil {
		return nil, fmt.Errorf("parse heartbeat policy: %w", err)
	}

	seen := make(map[string]bool, len(pf.Rules))
	rules := make([]Rule, 0, len(pf.Rules))
	for i, r := range pf.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("heartbeat policy: rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("heartbeat policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Prompt == "" {
			return nil, fmt.Errorf("heartbeat policy: rule %q has no prompt", r.ID)
		}
		every, err := time.ParseDuration(r.Every)
		if err != nil {
			return nil, fmt.Errorf("heartbeat policy: rule %q: bad interval %q: %w", r.ID, r.Every, err)
		}
		if every < time.Second {
			return nil, fmt.Errorf("heartbeat policy: rule %q: interval %s below 1s", r.ID, every)
		}

		sessionID := r.SessionID
		if sessionID == "" {
			sessionID = DefaultSessionID(r.ID)
		}
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		rules = append(rules, Rule{
			ID:        r.ID,
			Prompt:    r.Prompt,
			Every:     every,
			SessionID: sessionID,
			Enabled:   enabled,
		})
	}
	return rules, nil
}

// Reload reads the policy file, swaps the rule set, and closes default
// sessions that no live rule references anymore.
func (s *Scheduler) Reload(ctx context.Context) (*ReloadResult, error) {
	rules, err := loadPolicy(s.path)
	if err != nil {
		return nil, err
	}

	newTracked := make(map[string]string, len(rules))
	for _, r := range rules {
		newTracked[r.ID] = r.SessionID
	}
	referenced := make(map[string]bool, len(rules))
	for _, sid := range newTracked {
		referenced[sid] = true
	}

	s.mu.Lock()
	removed := []string{}
	candidates := map[string]bool{}
	for ruleID, prevSession := range s.tracked {
		newSession, alive := newTracked[ruleID]
		if !alive {
			removed = append(removed, ruleID)
		}
		if (!alive || newSession != prevSession) && prevSession == DefaultSessionID(ruleID) {
			candidates[prevSession] = true
		}
	}

	s.rules = rules
	s.tracked = newTracked
	s.loadedAt = time.Now().UTC()
	loadedAt := s.loadedAt
	for ruleID := range s.lastFire {
		if _, ok := newTracked[ruleID]; !ok {
			delete(s.lastFire, ruleID)
		}
	}
	s.mu.Unlock()

	closed := []string{}
	for sid := range candidates {
		if referenced[sid] || !s.sessions.HasSession(sid) {
			continue
		}
		if s.sessions.StopSession(ctx, sid, "heartbeat_rule_removed") {
			closed = append(closed, sid)
		}
	}

	slog.Info("heartbeat policy loaded",
		"path", s.path, "rules", len(rules), "removed", len(removed), "closed", len(closed))
	return &ReloadResult{
		SourcePath:       s.path,
		LoadedAt:         loadedAt,
		Rules:            len(rules),
		RemovedRules:     len(removed),
		ClosedSessions:   len(closed),
		RemovedRuleIDs:   removed,
		ClosedSessionIDs: closed,
	}, nil
}

// Run ticks the scheduler until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every enabled rule whose interval has elapsed. Each fire
// runs in its own goroutine; a rule never overlaps itself.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Rule
	for _, r := range s.rules {
		if !r.Enabled || s.firing[r.ID] {
			continue
		}
		if last, ok := s.lastFire[r.ID]; ok && now.Sub(last) < r.Every {
			continue
		}
		s.lastFire[r.ID] = now
		s.firing[r.ID] = true
		due = append(due, r)
	}
	s.mu.Unlock()

	for _, r := range due {
		go s.fire(ctx, r)
	}
}

func (s *Scheduler) fire(ctx context.Context, r Rule) {
	defer func() {
		s.mu.Lock()
		delete(s.firing, r.ID)
		s.mu.Unlock()
	}()

	hasResult := false
	if _, err := s.sessions.OpenSession(ctx, supervisor.OpenInput{SessionID: r.SessionID}); err != nil {
		slog.Warn("heartbeat open failed", "rule_id", r.ID, "session_id", r.SessionID, "error", err)
	} else {
		res, err := s.sessions.SendPrompt(ctx, supervisor.SendInput{
			SessionID: r.SessionID,
			Prompt:    r.Prompt,
			Source:    wal.SourceHeartbeat,
			Wait:      true,
		})
		if err != nil {
			slog.Warn("heartbeat send failed", "rule_id", r.ID, "session_id", r.SessionID, "error", err)
		} else {
			hasResult = res.Output != ""
		}
	}

	metrics.HeartbeatFiredTotal.Inc()
	if s.broadcast != nil {
		payload, _ := json.Marshal(FiredPayload{
			RuleID:    r.ID,
			SessionID: r.SessionID,
			Ts:        time.Now().UnixMilli(),
			HasResult: hasResult,
		})
		s.broadcast(protocol.EventHeartbeatFired, payload)
	}
}

// Snapshot reports the loaded rules for status output.
func (s *Scheduler) Snapshot() (time.Time, []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]Rule, len(s.rules))
	copy(rules, s.rules)
	return s.loadedAt, rules
}

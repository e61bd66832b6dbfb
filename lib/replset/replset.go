package replset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("replset")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

type Role int

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "PRIMARY"
	}
	return "SECONDARY"
}

// State returns the numeric member state reported in replica set status replies.
func (r Role) State() int32 {
	if r == RolePrimary {
		return 1
	}
	return 2
}

type Member struct {
	ID       int    `bson:"_id"`
	Host     string `bson:"host"`
	Priority int    `bson:"priority"`
}

// Config is a replica set configuration. Every member has to be configured
// with an identical member list, there is no election or liveness probing.
type Config struct {
	SetName string   `bson:"_id"`
	Version int      `bson:"version"`
	Members []Member `bson:"members"`
}

var ErrInvalidConfig = errors.New("invalid replica set config")

// ConfigurationError is returned when an installed configuration does not
// contain this node. The node stays SECONDARY without a primary to sync from.
type ConfigurationError struct {
	SetName string
	Self    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ConfigurationError: %s is not a member of replica set %q, no primary can be resolved", e.Self, e.SetName)
}

// NewConfig builds a configuration from a host list and a priority map.
// Hosts without a priority get priority 1. Member ids follow the host order.
func NewConfig(setName string, hosts []string, priorities map[string]int) (Config, error) {
	cfg := Config{SetName: setName}
	for i, host := range hosts {
		prio, ok := priorities[host]
		if !ok {
			prio = 1
		}
		cfg.Members = append(cfg.Members, Member{ID: i, Host: host, Priority: prio})
	}
	return cfg, cfg.Validate()
}

// ParseMembers parses "host=priority" entries (priority optional) into hosts and priorities.
func ParseMembers(entries []string) ([]string, map[string]int, error) {
	hosts := make([]string, 0, len(entries))
	priorities := make(map[string]int, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, prio, hasPrio := strings.Cut(entry, "=")
		hosts = append(hosts, host)
		if hasPrio {
			var p int
			if _, err := fmt.Sscanf(prio, "%d", &p); err != nil {
				return nil, nil, fmt.Errorf("%w: bad priority in %q", ErrInvalidConfig, entry)
			}
			priorities[host] = p
		}
	}
	return hosts, priorities, nil
}

// Validate checks the set name, member hosts and priorities.
func (c Config) Validate() error {
	if c.SetName == "" {
		return fmt.Errorf("%w: empty set name", ErrInvalidConfig)
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		if m.Host == "" {
			return fmt.Errorf("%w: member without host", ErrInvalidConfig)
		}
		if seen[m.Host] {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidConfig, m.Host)
		}
		if m.Priority < 0 {
			return fmt.Errorf("%w: negative priority for %s", ErrInvalidConfig, m.Host)
		}
		seen[m.Host] = true
	}
	return nil
}

// Primary selects the member with the highest priority, ties are broken by
// the lexicographically smallest host.
func (c Config) Primary() (Member, bool) {
	if len(c.Members) == 0 {
		return Member{}, false
	}
	best := c.Members[0]
	for _, m := range c.Members[1:] {
		if m.Priority > best.Priority || (m.Priority == best.Priority && m.Host < best.Host) {
			best = m
		}
	}
	return best, true
}

// Hosts returns the member hosts sorted by host.
func (c Config) Hosts() []string {
	hosts := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		hosts = append(hosts, m.Host)
	}
	sort.Strings(hosts)
	return hosts
}

// Contains reports whether host is a member.
func (c Config) Contains(host string) bool {
	for _, m := range c.Members {
		if m.Host == host {
			return true
		}
	}
	return false
}

// Resolve computes the role of self under cfg and the host of the primary.
// A node that is not a member resolves to SECONDARY without a primary and a *ConfigurationError.
func Resolve(cfg Config, self string) (Role, string, error) {
	if !cfg.Contains(self) {
		return RoleSecondary, "", &ConfigurationError{SetName: cfg.SetName, Self: self}
	}
	primary, _ := cfg.Primary()
	if primary.Host == self {
		return RolePrimary, primary.Host, nil
	}
	return RoleSecondary, primary.Host, nil
}

// --------------------------------------------------------------------------
// Resolver
// --------------------------------------------------------------------------

// Resolution is the derived replica set state of a node.
type Resolution struct {
	Config  *Config // nil for a standalone node
	Role    Role
	Primary string // host of the primary, empty if none can be resolved
}

// Standalone reports whether no replica set is configured.
func (r Resolution) Standalone() bool {
	return r.Config == nil
}

// Version returns the config version (0 for a standalone node).
func (r Resolution) Version() int {
	if r.Config == nil {
		return 0
	}
	return r.Config.Version
}

// ChangeFunc is called after a configuration changed the role or the primary of a node.
type ChangeFunc func(old, current Resolution)

// Resolver holds the replica set configuration of one node and its cached role.
// Without a configuration the node is a standalone and acts as PRIMARY.
type Resolver struct {
	self     string
	cfgMu    sync.Mutex // serializes Configure including the change callback
	mu       sync.RWMutex
	state    Resolution
	onChange ChangeFunc
}

// NewResolver creates the resolver of the node advertised as self.
func NewResolver(self string, onChange ChangeFunc) *Resolver {
	return &Resolver{
		self:     self,
		state:    Resolution{Role: RolePrimary, Primary: self},
		onChange: onChange,
	}
}

// Self returns the advertised host of this node.
func (r *Resolver) Self() string {
	return r.self
}

// Configure installs a configuration and recomputes the role. Invalid configurations
// are rejected and leave the current one installed. A configuration without this node
// is installed and yields a *ConfigurationError. A Version of 0 is replaced by the
// current version + 1.
func (r *Resolver) Configure(cfg Config) (Resolution, error) {
	if err := cfg.Validate(); err != nil {
		return r.Current(), err
	}
	cfg.Members = append([]Member(nil), cfg.Members...)

	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	r.mu.Lock()
	old := r.state
	if cfg.Version <= 0 {
		cfg.Version = old.Version() + 1
	}
	role, primary, err := Resolve(cfg, r.self)
	r.state = Resolution{Config: &cfg, Role: role, Primary: primary}
	current := r.state
	r.mu.Unlock()

	var confErr *ConfigurationError
	if errors.As(err, &confErr) {
		Logger.Warningf("%v", err)
	}
	Logger.Infof("replica set %q version %d installed: %s is %s (primary %q)", cfg.SetName, cfg.Version, r.self, role, primary)

	if r.onChange != nil && (old.Role != current.Role || old.Primary != current.Primary) {
		r.onChange(old, current)
	}
	return current, err
}

// Current returns the current resolution.
func (r *Resolver) Current() Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsPrimary returns the cached role as boolean.
func (r *Resolver) IsPrimary() bool {
	return r.Current().Role == RolePrimary
}

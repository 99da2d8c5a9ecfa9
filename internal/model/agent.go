package model

import (
	"fmt"
	"slices"
	"time"
)

// AgentType classifies what an agent is meant to look after.
type AgentType string

const (
	AgentTypeSystem   AgentType = "system"
	AgentTypePackage  AgentType = "package"
	AgentTypeConfig   AgentType = "config"
	AgentTypeResource AgentType = "resource"
	AgentTypeSecurity AgentType = "security"
	AgentTypeBackup   AgentType = "backup"
	AgentTypeNetwork  AgentType = "network"
	AgentTypeCustom   AgentType = "custom"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusStopped  AgentStatus = "stopped"
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusRunning  AgentStatus = "running"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusError    AgentStatus = "error"
	AgentStatusDeleted  AgentStatus = "deleted"
)

// Capability is a permission an agent needs to perform an action.
type Capability string

const (
	CapabilityReadSystem      Capability = "read_system"
	CapabilityWriteSystem     Capability = "write_system"
	CapabilityExecuteCommands Capability = "execute_commands"
	CapabilityNetworkAccess   Capability = "network_access"
	CapabilityFileAccess      Capability = "file_access"
	CapabilityPackageInstall  Capability = "package_install"
	CapabilityServiceControl  Capability = "service_control"
	CapabilityUserInteraction Capability = "user_interaction"
)

// DefaultDenyList is applied when an agent or the sandbox is configured without one.
var DefaultDenyList = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -fr /",
	"rm -fr /*",
	"rm -r -f /",
	"rm -f -r /",
	"dd if=/dev/zero",
	":(){ :|:& };:",
	`re:(^|[\s;|&(])mkfs(\.\w+)?(\s|$)`,
}

// ResourceLimits are the ceilings applied to a sandboxed process.
type ResourceLimits struct {
	// MaxCPUPercent is the share of one CPU, 0 means unlimited.
	MaxCPUPercent float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	// MaxMemoryMB is the address space ceiling, 0 means unlimited.
	MaxMemoryMB int `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
}

// AgentConfig is the static configuration of an agent.
type AgentConfig struct {
	Model                string            `json:"model" yaml:"model"`
	Capabilities         []Capability      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Limits               ResourceLimits    `json:"limits" yaml:"limits,omitempty"`
	DenyList             []string          `json:"deny_list,omitempty" yaml:"deny_list,omitempty"`
	AllowedCommands      []string          `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	Schedule             string            `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	SystemPrompt         string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Env                  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir              string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	AutoStart            bool              `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
}

// HasCapability reports whether c is in the configured capability set.
func (c AgentConfig) HasCapability(capability Capability) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Agent is a long-lived actor bound to a model.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        AgentType   `json:"type"`
	Config      AgentConfig `json:"config"`
	Status      AgentStatus `json:"status"`
	Backend     string      `json:"backend,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks the agent definition.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required: %w", ErrNotValid)
	}
	if a.Config.Model == "" {
		return fmt.Errorf("agent %q model is required: %w", a.Name, ErrNotValid)
	}
	switch a.Type {
	case AgentTypeSystem, AgentTypePackage, AgentTypeConfig, AgentTypeResource,
		AgentTypeSecurity, AgentTypeBackup, AgentTypeNetwork, AgentTypeCustom:
	default:
		return fmt.Errorf("agent %q has unknown type %q: %w", a.Name, a.Type, ErrNotValid)
	}
	if l := a.Config.Limits; l.MaxCPUPercent < 0 || l.MaxCPUPercent > 100 || l.MaxMemoryMB < 0 {
		return fmt.Errorf("agent %q resource limits out of range: %w", a.Name, ErrNotValid)
	}
	return nil
}

// ActionKind is what an agent is asked to do.
type ActionKind string

const (
	// ActionCommand runs a shell command through the sandbox.
	ActionCommand ActionKind = "command"
	// ActionPrompt sends the prompt to the model and returns its answer.
	ActionPrompt ActionKind = "prompt"
	// ActionPlan asks the model for one shell command and runs it through the sandbox.
	ActionPlan ActionKind = "plan"
)

// Action is a single request to an agent.
type Action struct {
	Kind    ActionKind `json:"kind" yaml:"kind"`
	Command string     `json:"command,omitempty" yaml:"command,omitempty"`
	Prompt  string     `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	// Capability is required on top of the one implied by Kind.
	Capability        Capability    `json:"capability,omitempty" yaml:"capability,omitempty"`
	Destructive       bool          `json:"destructive,omitempty" yaml:"destructive,omitempty"`
	ConfirmationToken string        `json:"confirmation_token,omitempty" yaml:"-"`
	Timeout           time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RequiredCapabilities returns every capability the action needs.
func (a Action) RequiredCapabilities() []Capability {
	var caps []Capability
	switch a.Kind {
	case ActionCommand, ActionPlan:
		caps = append(caps, CapabilityExecuteCommands)
	}
	if a.Capability != "" && !slices.Contains(caps, a.Capability) {
		caps = append(caps, a.Capability)
	}
	return caps
}

// Validate checks the action is well formed.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionCommand:
		if a.Command == "" {
			return fmt.Errorf("command action requires a command: %w", ErrNotValid)
		}
	case ActionPrompt, ActionPlan:
		if a.Prompt == "" {
			return fmt.Errorf("%s action requires a prompt: %w", a.Kind, ErrNotValid)
		}
	default:
		return fmt.Errorf("unknown action kind %q: %w", a.Kind, ErrNotValid)
	}
	return nil
}

// Message is an entry of an agent conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

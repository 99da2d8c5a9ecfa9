package config

import (
	"runtime"
	"time"

	"github.com/aristath/debai/internal/backend"
	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/monitor"
)

const defaultModel = "ai/llama3.2:3B-Q4_K_M"

// DefaultConfig returns the default configuration with the built-in agent and
// task templates.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			Database:        "debai.db",
			Concurrency:     4,
			CancelGrace:     5 * time.Second,
			HistoryLimit:    20,
			ConfirmTTL:      15 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			DefaultTimeout: 5 * time.Minute,
			MaxOutput:      1 << 20,
			Shell:          "/bin/sh",
		},
		Backend: backend.Config{
			Type:    "docker",
			Timeout: 2 * time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			HistorySize: 100,
			Mounts:      []string{"/"},
			Thresholds:  monitor.DefaultThresholds(runtime.NumCPU()),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8420",
		},
		Redis: RedisConfig{
			Stream: "debai.events",
			MaxLen: 10000,
		},
		Agents: defaultAgents(),
		Tasks:  defaultTasks(),
	}
}

func defaultAgents() map[string]AgentTemplate {
	return map[string]AgentTemplate{
		"package_updater": {
			Name:        "Package Updater",
			Description: "Automatically updates system packages",
			Type:        model.AgentTypePackage,
			Config: model.AgentConfig{
				Model: defaultModel,
				Capabilities: []model.Capability{
					model.CapabilityReadSystem,
					model.CapabilityExecuteCommands,
					model.CapabilityPackageInstall,
				},
				AllowedCommands:      []string{"apt", "apt-get", "dpkg", "snap", "flatpak"},
				RequiresConfirmation: true,
				Schedule:             "0 3 * * *",
				SystemPrompt: `You are a package management agent for a GNU/Linux system.
Check for available updates, review changelogs for security implications,
apply updates safely during low-usage periods and report conflicts.
Prioritize security updates and be cautious with major version upgrades.`,
			},
		},
		"config_manager": {
			Name:        "Configuration Manager",
			Description: "Manages application configurations",
			Type:        model.AgentTypeConfig,
			Config: model.AgentConfig{
				Model: defaultModel,
				Capabilities: []model.Capability{
					model.CapabilityReadSystem,
					model.CapabilityFileAccess,
					model.CapabilityUserInteraction,
				},
				SystemPrompt: `You are a configuration management agent.
Validate configuration files against best practices, suggest optimizations
and always back up a configuration before changing it.`,
			},
		},
		"resource_monitor": {
			Name:        "Resource Monitor",
			Description: "Monitors and optimizes system resources",
			Type:        model.AgentTypeResource,
			Config: model.AgentConfig{
				Model: defaultModel,
				Capabilities: []model.Capability{
					model.CapabilityReadSystem,
					model.CapabilityExecuteCommands,
					model.CapabilityServiceControl,
				},
				Schedule: "*/15 * * * *",
				SystemPrompt: `You are a resource monitoring agent.
Identify resource-hungry processes, suggest optimizations and clean up
temporary files. Never terminate critical system processes without
explicit permission.`,
			},
		},
		"security_guard": {
			Name:        "Security Guard",
			Description: "Monitors system security",
			Type:        model.AgentTypeSecurity,
			Config: model.AgentConfig{
				Model: defaultModel,
				Capabilities: []model.Capability{
					model.CapabilityReadSystem,
					model.CapabilityExecuteCommands,
					model.CapabilityNetworkAccess,
				},
				SystemPrompt: `You are a security monitoring agent.
Watch system logs for suspicious activity, check open ports and file
integrity. Never expose sensitive information in reports.`,
			},
		},
		"backup_agent": {
			Name:        "Backup Manager",
			Description: "Manages system backups",
			Type:        model.AgentTypeBackup,
			Config: model.AgentConfig{
				Model: defaultModel,
				Capabilities: []model.Capability{
					model.CapabilityReadSystem,
					model.CapabilityFileAccess,
					model.CapabilityExecuteCommands,
				},
				Schedule: "0 2 * * *",
				SystemPrompt: `You are a backup management agent.
Create regular backups, verify them after creation and keep storage
usage within the retention policy.`,
			},
		},
	}
}

func defaultTasks() map[string]TaskTemplate {
	return map[string]TaskTemplate{
		"update_packages": {
			Name:        "Update System Packages",
			Description: "Update all system packages to latest versions",
			Kind:        model.TaskKindCommand,
			Command:     "apt update && apt upgrade -y",
			Priority:    model.PriorityNormal,
			Trigger:     model.Trigger{Kind: model.TriggerManual},
			Timeout:     30 * time.Minute,
			Locks:       []string{"apt"},
		},
		"cleanup_temp": {
			Name:        "Cleanup Temporary Files",
			Description: "Remove temporary files older than 7 days",
			Kind:        model.TaskKindCommand,
			Command:     "find /tmp -type f -mtime +7 -delete",
			Priority:    model.PriorityLow,
			Trigger:     model.Trigger{Kind: model.TriggerManual},
		},
		"check_disk": {
			Name:        "Check Disk Usage",
			Description: "Report filesystems above 80% usage",
			Kind:        model.TaskKindCommand,
			Command:     "df -h | awk 'NR>1 && int($5)>80 {print $0}'",
			Priority:    model.PriorityHigh,
			Trigger:     model.Trigger{Kind: model.TriggerManual},
		},
		"security_updates": {
			Name:        "Security Updates",
			Description: "Install security updates only",
			Kind:        model.TaskKindCommand,
			Command:     "apt update && apt upgrade -y --only-upgrade $(apt list --upgradable 2>/dev/null | grep -i security | cut -d'/' -f1)",
			Priority:    model.PriorityCritical,
			Trigger:     model.Trigger{Kind: model.TriggerManual},
			Timeout:     30 * time.Minute,
			Locks:       []string{"apt"},
		},
		"system_health": {
			Name:        "System Health Check",
			Description: "Comprehensive system health check",
			Kind:        model.TaskKindCommand,
			Command:     "echo '=== System Health ===' && uptime && echo && echo '=== Memory ===' && free -h && echo && echo '=== Disk ===' && df -h && echo && echo '=== Load ===' && cat /proc/loadavg",
			Priority:    model.PriorityNormal,
			Trigger:     model.Trigger{Kind: model.TriggerManual},
		},
	}
}

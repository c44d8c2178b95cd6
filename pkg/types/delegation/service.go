package delegation

import (
	"strings"
	"time"
)

// AuthMethod describes how a service proves it is authenticated
type AuthMethod string

const (
	// AuthMethodAPIKey requires an API key in an environment variable
	AuthMethodAPIKey AuthMethod = "api_key"
	// AuthMethodMCP delegates authentication to an MCP-capable executable
	AuthMethodMCP AuthMethod = "mcp"
	// AuthMethodCLI asks the executable itself via "<command> auth status"
	AuthMethodCLI AuthMethod = "cli"
)

// Valid reports whether the auth method is one of the known methods
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodAPIKey, AuthMethodMCP, AuthMethodCLI:
		return true
	}
	return false
}

// ServiceDescriptor is registered once at startup and read-only thereafter
type ServiceDescriptor struct {
	Name          string        `json:"name" yaml:"name"`
	Variant       string        `json:"variant,omitempty" yaml:"variant,omitempty"`
	CommandPrefix string        `json:"command" yaml:"command"`
	AuthMethod    AuthMethod    `json:"auth_method" yaml:"auth_method"`
	AuthEnvVar    string        `json:"auth_env_var,omitempty" yaml:"auth_env_var,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Limits        QuotaLimits   `json:"quota_limits" yaml:"quota_limits"`
}

// CommandDescriptor is the fully resolved invocation of an external process
type CommandDescriptor struct {
	Executable string   `json:"executable" yaml:"executable"`
	Arguments  []string `json:"arguments" yaml:"arguments"`
}

// String renders the command line for logs; arguments are not shell-quoted
func (c CommandDescriptor) String() string {
	if len(c.Arguments) == 0 {
		return c.Executable
	}
	return c.Executable + " " + strings.Join(c.Arguments, " ")
}

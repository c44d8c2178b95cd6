package services

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/osutil"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// DefaultProbeTimeout bounds the "auth status" and "--version" probes
const DefaultProbeTimeout = 10 * time.Second

// Authenticator performs the opaque credential check of a service
type Authenticator interface {
	Check(ctx context.Context, descriptor delegation.ServiceDescriptor) error
}

// SystemAuthenticator checks credentials against the local environment:
// api_key looks for a non-empty environment variable, mcp requires the
// executable on PATH, cli runs "<command> auth status".
type SystemAuthenticator struct {
	LookupEnv func(string) (string, bool)
	Timeout   time.Duration
}

// NewSystemAuthenticator returns an authenticator reading the process environment
func NewSystemAuthenticator() *SystemAuthenticator {
	return &SystemAuthenticator{
		LookupEnv: os.LookupEnv,
		Timeout:   DefaultProbeTimeout,
	}
}

// Check implements Authenticator
func (a *SystemAuthenticator) Check(ctx context.Context, descriptor delegation.ServiceDescriptor) error {
	var issues []string

	switch descriptor.AuthMethod {
	case delegation.AuthMethodAPIKey:
		if descriptor.AuthEnvVar != "" {
			if value, ok := a.LookupEnv(descriptor.AuthEnvVar); !ok || strings.TrimSpace(value) == "" {
				issues = append(issues, "environment variable "+descriptor.AuthEnvVar+" not set")
			}
		}
	case delegation.AuthMethodMCP:
		if _, err := exec.LookPath(descriptor.CommandPrefix); err != nil {
			issues = append(issues, "command "+descriptor.CommandPrefix+" not found")
		}
	case delegation.AuthMethodCLI:
		if _, err := probe(ctx, a.Timeout, descriptor.CommandPrefix, "auth", "status"); err != nil {
			logger.G(ctx).WithError(err).WithField("service", descriptor.Name).Debug("auth status probe failed")
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				issues = append(issues, "service not authenticated")
			} else {
				issues = append(issues, "could not verify authentication status")
			}
		}
	default:
		issues = append(issues, "unsupported auth method "+string(descriptor.AuthMethod))
	}

	if len(issues) > 0 {
		return &delegation.AuthenticationError{ServiceID: descriptor.Name, Issues: issues}
	}
	return nil
}

// probe runs a short-lived command and returns its stdout
func probe(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Errorf("%s timed out after %s", name, timeout)
		}
		return "", errors.Wrapf(err, "%s failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Verification is the outcome of Verify
type Verification struct {
	Service string   `json:"service" yaml:"service"`
	Version string   `json:"version,omitempty" yaml:"version,omitempty"`
	OK      bool     `json:"ok" yaml:"ok"`
	Issues  []string `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Verify checks that the service executable works ("--version") and that it
// is authenticated, collecting every issue found
func Verify(ctx context.Context, service Service) Verification {
	descriptor := service.Descriptor()
	v := Verification{Service: descriptor.Name}

	version, err := probe(ctx, DefaultProbeTimeout, descriptor.CommandPrefix, "--version")
	if err != nil {
		logger.G(ctx).WithError(err).WithField("service", descriptor.Name).Debug("version probe failed")
		v.Issues = append(v.Issues, "command '"+descriptor.CommandPrefix+"' not found or not working")
	} else {
		v.Version = version
	}

	if err := service.CheckAuth(ctx); err != nil {
		var authErr *delegation.AuthenticationError
		if errors.As(err, &authErr) {
			v.Issues = append(v.Issues, authErr.Issues...)
		} else {
			v.Issues = append(v.Issues, err.Error())
		}
	}

	v.OK = len(v.Issues) == 0
	return v
}

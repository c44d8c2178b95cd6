// Package services maps each external LLM command-line tool onto a Service
// variant that knows its flags and how to check its credentials.
package services

import (
	"context"
	"strconv"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// Service is one delegation target
type Service interface {
	// Descriptor returns the registered, read-only descriptor
	Descriptor() delegation.ServiceDescriptor

	// Build maps prompt, file references and raw options onto a command.
	// It performs no I/O: identical inputs yield identical commands.
	Build(prompt string, files []string, options map[string]any) (delegation.CommandDescriptor, error)

	// CheckAuth reports an AuthenticationError when the service cannot be used
	CheckAuth(ctx context.Context) error
}

// flagSet names the command-line flags of a variant. An empty flag means the
// variant does not support the option.
type flagSet struct {
	model       string
	format      string
	temperature string
	sandbox     string
	prompt      string
}

// cliService implements Service for tools driven by flags and a prompt flag
type cliService struct {
	descriptor delegation.ServiceDescriptor
	flags      flagSet
	auth       Authenticator
}

func (s *cliService) Descriptor() delegation.ServiceDescriptor {
	return s.descriptor
}

func (s *cliService) CheckAuth(ctx context.Context) error {
	return s.auth.Check(ctx, s.descriptor)
}

func (s *cliService) Build(prompt string, files []string, raw map[string]any) (delegation.CommandDescriptor, error) {
	opts, err := DecodeOptions(raw)
	if err != nil {
		return delegation.CommandDescriptor{}, err
	}

	var args []string
	if opts.Model != "" {
		args = append(args, s.flags.model, opts.Model)
	}
	if opts.Format != "" {
		args = append(args, s.flags.format, opts.Format)
	}
	if opts.Temperature != nil {
		args = append(args, s.flags.temperature, strconv.FormatFloat(*opts.Temperature, 'f', -1, 64))
	}
	if opts.Sandbox {
		if s.flags.sandbox == "" {
			return delegation.CommandDescriptor{}, &delegation.InvalidOptionError{
				Option: "sandbox",
				Value:  true,
				Reason: "not supported by service " + s.descriptor.Name,
			}
		}
		args = append(args, s.flags.sandbox)
	}

	args = append(args, s.flags.prompt, PromptWithFiles(prompt, files))

	return delegation.CommandDescriptor{
		Executable: s.descriptor.CommandPrefix,
		Arguments:  args,
	}, nil
}

// PromptWithFiles prepends one @path reference per file, in input order
func PromptWithFiles(prompt string, files []string) string {
	if len(files) == 0 {
		return prompt
	}

	size := len(prompt)
	for _, f := range files {
		size += len(f) + 2
	}

	b := make([]byte, 0, size)
	for _, f := range files {
		b = append(b, '@')
		b = append(b, f...)
		b = append(b, ' ')
	}
	b = append(b, prompt...)
	return string(b)
}

// NewGemini creates the Gemini CLI variant
func NewGemini(descriptor delegation.ServiceDescriptor, auth Authenticator) Service {
	return &cliService{
		descriptor: descriptor,
		auth:       auth,
		flags: flagSet{
			model:       "--model",
			format:      "--output-format",
			temperature: "--temperature",
			sandbox:     "--sandbox",
			prompt:      "-p",
		},
	}
}

// NewQwen creates the Qwen Code CLI variant
func NewQwen(descriptor delegation.ServiceDescriptor, auth Authenticator) Service {
	return &cliService{
		descriptor: descriptor,
		auth:       auth,
		flags: flagSet{
			model:       "--model",
			format:      "--format",
			temperature: "--temperature",
			sandbox:     "--sandbox",
			prompt:      "-p",
		},
	}
}

// NewGeneric creates a variant for any other tool following the common flag
// conventions. It has no sandbox flag.
func NewGeneric(descriptor delegation.ServiceDescriptor, auth Authenticator) Service {
	return &cliService{
		descriptor: descriptor,
		auth:       auth,
		flags: flagSet{
			model:       "--model",
			format:      "--format",
			temperature: "--temperature",
			prompt:      "-p",
		},
	}
}

package services

import (
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// Variant names
const (
	VariantGemini  = "gemini"
	VariantQwen    = "qwen"
	VariantGeneric = "generic"
)

// Constructor creates a Service variant from its descriptor
type Constructor func(delegation.ServiceDescriptor, Authenticator) Service

var variants = map[string]Constructor{
	VariantGemini:  NewGemini,
	VariantQwen:    NewQwen,
	VariantGeneric: NewGeneric,
}

// VariantOf resolves the variant of a descriptor: the explicit variant, the
// service name when it names a known variant, generic otherwise
func VariantOf(descriptor delegation.ServiceDescriptor) string {
	if descriptor.Variant != "" {
		return descriptor.Variant
	}
	if _, ok := variants[descriptor.Name]; ok {
		return descriptor.Name
	}
	return VariantGeneric
}

// DefaultDescriptors returns the built-in gemini and qwen services
func DefaultDescriptors() []delegation.ServiceDescriptor {
	return []delegation.ServiceDescriptor{
		{
			Name:          "gemini",
			Variant:       VariantGemini,
			CommandPrefix: "gemini",
			AuthMethod:    delegation.AuthMethodAPIKey,
			AuthEnvVar:    "GEMINI_API_KEY",
			Timeout:       5 * time.Minute,
			Limits: delegation.QuotaLimits{
				ServiceID:         "gemini",
				RequestsPerMinute: 60,
				RequestsPerDay:    1000,
				TokensPerDay:      1000000,
			},
		},
		{
			Name:          "qwen",
			Variant:       VariantQwen,
			CommandPrefix: "qwen",
			AuthMethod:    delegation.AuthMethodCLI,
			Timeout:       5 * time.Minute,
			Limits: delegation.QuotaLimits{
				ServiceID:         "qwen",
				RequestsPerMinute: 120,
				RequestsPerDay:    2000,
				TokensPerDay:      2000000,
			},
		},
	}
}

// ValidateDescriptor reports every problem with a descriptor
func ValidateDescriptor(descriptor delegation.ServiceDescriptor) error {
	var result *multierror.Error
	if descriptor.Name == "" {
		result = multierror.Append(result, errors.New("service name is required"))
	}
	if descriptor.CommandPrefix == "" {
		result = multierror.Append(result, errors.Errorf("service %s: command is required", descriptor.Name))
	}
	if !descriptor.AuthMethod.Valid() {
		result = multierror.Append(result, errors.Errorf("service %s: unknown auth method %q", descriptor.Name, descriptor.AuthMethod))
	}
	if _, ok := variants[VariantOf(descriptor)]; !ok {
		result = multierror.Append(result, errors.Errorf("service %s: unknown variant %q", descriptor.Name, descriptor.Variant))
	}
	if descriptor.Timeout < 0 {
		result = multierror.Append(result, errors.Errorf("service %s: timeout must not be negative", descriptor.Name))
	}
	return result.ErrorOrNil()
}

// Registry holds the services registered at startup, keyed by name
type Registry struct {
	services map[string]Service
}

// NewRegistry validates the descriptors and builds their variants
func NewRegistry(descriptors []delegation.ServiceDescriptor, auth Authenticator) (*Registry, error) {
	if auth == nil {
		auth = NewSystemAuthenticator()
	}

	r := &Registry{services: make(map[string]Service, len(descriptors))}
	var result *multierror.Error
	for _, d := range descriptors {
		if err := ValidateDescriptor(d); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, exists := r.services[d.Name]; exists {
			result = multierror.Append(result, errors.Errorf("service %s registered twice", d.Name))
			continue
		}
		d.Limits.ServiceID = d.Name
		r.services[d.Name] = variants[VariantOf(d)](d, auth)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(err, "invalid service configuration")
	}
	return r, nil
}

// Get returns the service registered under id
func (r *Registry) Get(id string) (Service, error) {
	s, ok := r.services[id]
	if !ok {
		return nil, &delegation.UnknownServiceError{ServiceID: id}
	}
	return s, nil
}

// Names returns the registered service names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every descriptor sorted by name
func (r *Registry) Descriptors() []delegation.ServiceDescriptor {
	names := r.Names()
	descriptors := make([]delegation.ServiceDescriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, r.services[name].Descriptor())
	}
	return descriptors
}

// Limits returns the quota limits of every service, for building a quota policy
func (r *Registry) Limits() []delegation.QuotaLimits {
	descriptors := r.Descriptors()
	limits := make([]delegation.QuotaLimits, 0, len(descriptors))
	for _, d := range descriptors {
		limits = append(limits, d.Limits)
	}
	return limits
}

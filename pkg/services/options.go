package services

import (
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// Output formats accepted by the format option
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Options are the recognized per-dispatch options. Zero values mean "not set".
type Options struct {
	Model       string
	Format      string
	Temperature *float64
	Sandbox     bool
}

// optionField binds one raw option key to its typed destination
type optionField struct {
	key    string
	target any
}

// DecodeOptions decodes raw options with weak typing, so "0.2" and 0.2 are
// both valid temperatures. Unknown keys are ignored. output_format is
// accepted as an alias of format.
func DecodeOptions(raw map[string]any) (Options, error) {
	var (
		opts        Options
		temperature float64
	)

	fields := []optionField{
		{"model", &opts.Model},
		{"output_format", &opts.Format},
		{"format", &opts.Format},
		{"temperature", &temperature},
		{"sandbox", &opts.Sandbox},
	}

	for _, f := range fields {
		value, ok := raw[f.key]
		if !ok || value == nil {
			continue
		}
		if err := mapstructure.WeakDecode(value, f.target); err != nil {
			return Options{}, &delegation.InvalidOptionError{Option: f.key, Value: value, Reason: err.Error()}
		}
		if f.key == "temperature" {
			t := temperature
			opts.Temperature = &t
		}
	}

	if err := opts.validate(raw); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o *Options) validate(raw map[string]any) error {
	if _, ok := raw["model"]; ok {
		o.Model = strings.TrimSpace(o.Model)
		if o.Model == "" || strings.HasPrefix(o.Model, "-") {
			return &delegation.InvalidOptionError{Option: "model", Value: raw["model"], Reason: "must be a non-empty model name"}
		}
	}

	if o.Format != "" {
		o.Format = strings.ToLower(strings.TrimSpace(o.Format))
		switch o.Format {
		case FormatJSON, FormatMarkdown, FormatText:
		default:
			return &delegation.InvalidOptionError{Option: "format", Value: o.Format, Reason: "must be one of json, markdown, text"}
		}
	}

	if t := o.Temperature; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return &delegation.InvalidOptionError{Option: "temperature", Value: *o.Temperature, Reason: "must be between 0 and 1"}
	}

	return nil
}

package delegation

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// QuotaLimits are the configured caps of one service. A non-positive limit
// disables that dimension.
type QuotaLimits struct {
	ServiceID         string `json:"service_id,omitempty" yaml:"service_id,omitempty" mapstructure:"-"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TokensPerMinute   int    `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty" mapstructure:"tokens_per_minute"`
	RequestsPerDay    int    `json:"requests_per_day" yaml:"requests_per_day" mapstructure:"requests_per_day"`
	TokensPerDay      int    `json:"tokens_per_day" yaml:"tokens_per_day" mapstructure:"tokens_per_day"`
}

// Level is the coarse health of a service's quota
type Level int

const (
	// LevelHealthy means every dimension is below the warning threshold
	LevelHealthy Level = iota
	// LevelWarning means the worst dimension is between the warning and critical thresholds
	LevelWarning
	// LevelCritical means at least one dimension reached the critical threshold
	LevelCritical
)

var levelNames = map[Level]string{
	LevelHealthy:  "healthy",
	LevelWarning:  "warning",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the level by name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name
func (l *Level) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for level, n := range levelNames {
		if n == name {
			*l = level
			return nil
		}
	}
	return errors.Errorf("unknown quota level: %q", string(text))
}

// Dimension names a quota axis
type Dimension string

// IsTokens reports whether the dimension counts estimated tokens rather than requests
func (d Dimension) IsTokens() bool {
	return d == DimensionTokensPerMinute || d == DimensionTokensPerDay
}

// IsPerMinute reports whether the dimension uses the minute window
func (d Dimension) IsPerMinute() bool {
	return d == DimensionRequestsPerMinute || d == DimensionTokensPerMinute
}

const (
	DimensionRequestsPerMinute Dimension = "requests_per_minute"
	DimensionTokensPerMinute   Dimension = "tokens_per_minute"
	DimensionRequestsPerDay    Dimension = "requests_per_day"
	DimensionTokensPerDay      Dimension = "tokens_per_day"
)

// Dimensions lists every quota axis in reporting order
var Dimensions = []Dimension{
	DimensionRequestsPerMinute,
	DimensionTokensPerMinute,
	DimensionRequestsPerDay,
	DimensionTokensPerDay,
}

// QuotaStatus is derived from the usage store on demand and never persisted
type QuotaStatus struct {
	ServiceID          string                `json:"service_id" yaml:"service_id"`
	RequestsLastMinute int                   `json:"requests_last_minute" yaml:"requests_last_minute"`
	TokensLastMinute   int                   `json:"tokens_last_minute" yaml:"tokens_last_minute"`
	RequestsToday      int                   `json:"requests_today" yaml:"requests_today"`
	TokensToday        int                   `json:"tokens_today" yaml:"tokens_today"`
	Level              Level                 `json:"level" yaml:"level"`
	Ratios             map[Dimension]float64 `json:"ratios" yaml:"ratios"`
	Limits             QuotaLimits           `json:"limits" yaml:"limits"`
}

// Used returns the usage count of a dimension
func (s QuotaStatus) Used(d Dimension) int {
	switch d {
	case DimensionRequestsPerMinute:
		return s.RequestsLastMinute
	case DimensionTokensPerMinute:
		return s.TokensLastMinute
	case DimensionRequestsPerDay:
		return s.RequestsToday
	case DimensionTokensPerDay:
		return s.TokensToday
	}
	return 0
}

// Limit returns the configured cap of a dimension
func (l QuotaLimits) Limit(d Dimension) int {
	switch d {
	case DimensionRequestsPerMinute:
		return l.RequestsPerMinute
	case DimensionTokensPerMinute:
		return l.TokensPerMinute
	case DimensionRequestsPerDay:
		return l.RequestsPerDay
	case DimensionTokensPerDay:
		return l.TokensPerDay
	}
	return 0
}

// String returns a compact JSON rendering, mostly for logs
func (s QuotaStatus) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return s.ServiceID + ": " + s.Level.String()
	}
	return string(b)
}

package usage

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// ServiceUsage aggregates the records of one service
type ServiceUsage struct {
	ServiceID       string  `json:"service_id" yaml:"service_id"`
	Requests        int     `json:"requests" yaml:"requests"`
	Successes       int     `json:"successes" yaml:"successes"`
	Failures        int     `json:"failures" yaml:"failures"`
	Tokens          int     `json:"tokens" yaml:"tokens"`
	TotalDuration   float64 `json:"total_duration_seconds" yaml:"total_duration_seconds"`
	AverageDuration float64 `json:"average_duration_seconds" yaml:"average_duration_seconds"`
}

// SuccessRate returns the share of successful requests in [0, 1]
func (s ServiceUsage) SuccessRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Requests)
}

func (s *ServiceUsage) add(r delegation.UsageRecord) {
	s.Requests++
	if r.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.Tokens += r.EstimatedTokens
	s.TotalDuration += r.DurationSeconds
}

func (s *ServiceUsage) finish() {
	if s.Requests > 0 {
		s.AverageDuration = roundToFourDecimalPlaces(s.TotalDuration / float64(s.Requests))
	}
	s.TotalDuration = roundToFourDecimalPlaces(s.TotalDuration)
}

// DailyUsage represents usage of a single local calendar day
type DailyUsage struct {
	Date      time.Time `json:"date" yaml:"date"`
	Requests  int       `json:"requests" yaml:"requests"`
	Successes int       `json:"successes" yaml:"successes"`
	Tokens    int       `json:"tokens" yaml:"tokens"`
}

// Summary is the usage report over a set of records
type Summary struct {
	Since       time.Time      `json:"since" yaml:"since"`
	Requests    int            `json:"requests" yaml:"requests"`
	Successes   int            `json:"successes" yaml:"successes"`
	Tokens      int            `json:"tokens" yaml:"tokens"`
	SuccessRate float64        `json:"success_rate" yaml:"success_rate"`
	Services    []ServiceUsage `json:"services" yaml:"services"`
	Daily       []DailyUsage   `json:"daily" yaml:"daily"`
}

// Summarize aggregates records with timestamp >= since (zero since keeps all).
// Services are sorted by name, days newest first.
func Summarize(records []delegation.UsageRecord, since time.Time) *Summary {
	summary := &Summary{Since: since}
	services := make(map[string]*ServiceUsage)
	days := make(map[string]*DailyUsage)

	for _, r := range records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}

		svc, ok := services[r.ServiceID]
		if !ok {
			svc = &ServiceUsage{ServiceID: r.ServiceID}
			services[r.ServiceID] = svc
		}
		svc.add(r)

		local := r.Timestamp.Local()
		date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
		dateKey := date.Format("2006-01-02")
		day, ok := days[dateKey]
		if !ok {
			day = &DailyUsage{Date: date}
			days[dateKey] = day
		}
		day.Requests++
		day.Tokens += r.EstimatedTokens

		summary.Requests++
		summary.Tokens += r.EstimatedTokens
		if r.Success {
			summary.Successes++
			day.Successes++
		}
	}

	if summary.Requests > 0 {
		summary.SuccessRate = roundToFourDecimalPlaces(float64(summary.Successes) / float64(summary.Requests))
	}

	summary.Services = make([]ServiceUsage, 0, len(services))
	for _, svc := range services {
		svc.finish()
		summary.Services = append(summary.Services, *svc)
	}
	sort.Slice(summary.Services, func(i, j int) bool {
		return summary.Services[i].ServiceID < summary.Services[j].ServiceID
	})

	summary.Daily = make([]DailyUsage, 0, len(days))
	for _, day := range days {
		summary.Daily = append(summary.Daily, *day)
	}
	sort.Slice(summary.Daily, func(i, j int) bool {
		return summary.Daily[i].Date.After(summary.Daily[j].Date)
	})

	return summary
}

// FormatNumber formats large numbers with commas for readability
func FormatNumber(n int) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	str := strconv.Itoa(n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	return result.String()
}

func roundToFourDecimalPlaces(value float64) float64 {
	return math.Round(value*10000) / 10000
}

// LogDispatchUsage logs one recorded delegation together with the quota
// status observed at admission
func LogDispatchUsage(ctx context.Context, record delegation.UsageRecord, status *delegation.QuotaStatus) {
	fields := map[string]any{
		"service":          record.ServiceID,
		"record_id":        record.ID,
		"success":          record.Success,
		"estimated_tokens": record.EstimatedTokens,
		"duration_seconds": roundToFourDecimalPlaces(record.DurationSeconds),
	}
	if record.ExitCode != nil {
		fields["exit_code"] = *record.ExitCode
	}
	if record.ErrorKind != "" {
		fields["error_kind"] = string(record.ErrorKind)
	}
	if record.DurationSeconds > 0 && record.EstimatedTokens > 0 {
		fields["tokens/s"] = roundToFourDecimalPlaces(float64(record.EstimatedTokens) / record.DurationSeconds)
	}
	if status != nil {
		fields["quota_level"] = status.Level.String()
		for d, ratio := range status.Ratios {
			fields[string(d)+"_ratio"] = roundToFourDecimalPlaces(ratio)
		}
	}

	log := logger.G(ctx).WithFields(fields)
	if record.Success {
		log.Info("delegation usage recorded")
	} else {
		log.Warn("delegation usage recorded")
	}
}

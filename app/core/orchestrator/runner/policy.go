package runner

import (
	"strings"
	"time"
)

// Policy holds the operational guardrails applied to every task.
type Policy struct {
	MaxSpendWithoutApproval float64  `json:"max_spend_without_approval"`
	MaxMessagesPerHour      int      `json:"max_messages_per_hour"`
	RequireApprovalFor      []string `json:"require_approval_for"`
	StaleHours              int      `json:"stale_hours"`
	MaxDurationDays         int      `json:"max_duration_days"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxSpendWithoutApproval: 100,
		MaxMessagesPerHour:      20,
		RequireApprovalFor:      []string{"purchase", "commit", "cancel", "share_info"},
		StaleHours:              72,
		MaxDurationDays:         30,
	}
}

func sanitizePolicy(p Policy) Policy {
	defaults := DefaultPolicy()
	if p.MaxSpendWithoutApproval <= 0 {
		p.MaxSpendWithoutApproval = defaults.MaxSpendWithoutApproval
	}
	if p.MaxMessagesPerHour <= 0 {
		p.MaxMessagesPerHour = defaults.MaxMessagesPerHour
	}
	if p.StaleHours <= 0 {
		p.StaleHours = defaults.StaleHours
	}
	if p.MaxDurationDays <= 0 {
		p.MaxDurationDays = defaults.MaxDurationDays
	}
	seen := map[string]struct{}{}
	approvals := make([]string, 0, len(p.RequireApprovalFor))
	for _, item := range p.RequireApprovalFor {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		approvals = append(approvals, item)
	}
	if p.RequireApprovalFor == nil {
		approvals = defaults.RequireApprovalFor
	}
	p.RequireApprovalFor = approvals
	return p
}

// IterationLimits bound oracle invocations per task between human messages.
type IterationLimits struct {
	PerWindow int           `json:"per_window"`
	Window    time.Duration `json:"window"`
	PerDay    int           `json:"per_day"`
}

func DefaultIterationLimits() IterationLimits {
	return IterationLimits{PerWindow: 20, Window: time.Hour, PerDay: 100}
}

func sanitizeIterationLimits(l IterationLimits) IterationLimits {
	defaults := DefaultIterationLimits()
	if l.PerWindow <= 0 {
		l.PerWindow = defaults.PerWindow
	}
	if l.Window <= 0 {
		l.Window = defaults.Window
	}
	if l.PerDay <= 0 {
		l.PerDay = defaults.PerDay
	}
	return l
}

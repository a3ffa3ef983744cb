package runtime

import (
	"context"
	"encoding/json"
	"time"
)

const (
	patrolIntervalMin = 5 * time.Minute
	patrolIntervalMax = 2 * time.Hour

	// Finding hash caps: prune the oldest half below when exceeded.
	maxFindingHashes   = 1000
	findingHashesDrop  = 500
)

// Finding is one observation produced by an agent's patrol sweep.
type Finding struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // info, warning, critical
}

// PatrolFunc runs one periodic scan and returns its findings.
type PatrolFunc func(ctx context.Context) ([]Finding, error)

// severityConfidence maps a finding severity to the confidence recorded
// with the published insight.
func severityConfidence(severity string) float64 {
	switch severity {
	case "critical":
		return 1.0
	case "warning":
		return 0.8
	default:
		return 0.5
	}
}

// clampPatrolInterval bounds a configured cadence to [5min, 2h].
// Zero or negative disables patrol entirely.
func clampPatrolInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d < patrolIntervalMin {
		return patrolIntervalMin
	}
	if d > patrolIntervalMax {
		return patrolIntervalMax
	}
	return d
}

func (f Finding) hash() string {
	return f.Subject + ":" + f.Predicate + ":" + f.Description
}

// publishFindings records deduplicated findings to the activity feed and
// alerts through the notifier within the noise budget.
func (r *Runner) publishFindings(ctx context.Context, findings []Finding) {
	for _, f := range findings {
		h := f.hash()
		if _, seen := r.findingHashes[h]; seen {
			continue
		}

		detail, _ := json.Marshal(map[string]any{
			"subject":     f.Subject,
			"predicate":   f.Predicate,
			"description": f.Description,
			"severity":    f.Severity,
			"confidence":  severityConfidence(f.Severity),
		})
		if err := r.store.RecordActivity(ctx, r.cfg.AgentID, "patrol", string(detail)); err != nil {
			r.logger.Error("publish patrol finding", "error", err)
			continue
		}
		r.findingHashes[h] = struct{}{}
		r.findingOrder = append(r.findingOrder, h)
		r.logger.Info("patrol insight published",
			"subject", f.Subject, "predicate", f.Predicate, "severity", f.Severity)

		if r.notifier != nil && f.Severity != "info" {
			if r.noise.TrySend() {
				_ = r.notifier.Post(ctx, "", "["+r.cfg.AgentID+"] patrol: "+f.Subject+" "+f.Predicate+": "+f.Description)
			} else {
				r.logger.Info("noise budget exhausted, dropping patrol alert",
					"remaining", r.noise.Remaining())
			}
		}
	}

	if len(r.findingOrder) > maxFindingHashes {
		drop := r.findingOrder[:findingHashesDrop]
		for _, h := range drop {
			delete(r.findingHashes, h)
		}
		r.findingOrder = append([]string(nil), r.findingOrder[findingHashesDrop:]...)
	}
}

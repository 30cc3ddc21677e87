package syncer

import (
	"time"

	"github.com/zwoods58/WebApp-sub007/internal/metrics"
	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

// Drain triggers, used as the metrics label.
const (
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
	TriggerOnline   = "online"
	TriggerPeriodic = "periodic"
	TriggerRetry    = "retry"
	TriggerWake     = "wake"
)

// ItemResult is the outcome of one item in a drain.
type ItemResult struct {
	ID         int64               `json:"id"`
	EntityType string              `json:"entityType"`
	EntityID   string              `json:"entityId"`
	Kind       queue.OperationKind `json:"operationKind"`
	Outcome    string              `json:"outcome"`
	RetryCount int                 `json:"retryCount"`
	Status     queue.Status        `json:"status"`
	Err        string              `json:"error,omitempty"`
}

// Summary aggregates one drain. Total counts the items the drain attempted;
// Skipped counts items left for later (not due, leased, or blocked behind an
// earlier item of the same entity).
type Summary struct {
	Trigger   string        `json:"trigger"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Skipped   int           `json:"skipped"`
	Offline   bool          `json:"offline,omitempty"`
	Results   []ItemResult  `json:"results,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

func (s *Summary) add(r ItemResult) {
	s.Total++
	switch r.Status {
	case queue.StatusProcessed:
		s.Succeeded++
	case queue.StatusPending:
		if r.Outcome != metrics.OutcomeAbandoned {
			s.Failed++
		}
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// merge folds a follow-up drain into s.
func (s Summary) merge(o Summary) Summary {
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Total += o.Total
	s.Skipped = o.Skipped
	s.Offline = o.Offline
	s.Results = append(s.Results, o.Results...)
	s.Duration = o.StartedAt.Add(o.Duration).Sub(s.StartedAt)
	return s
}

package health

import (
	"fmt"
	"time"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string            `json:"name"`
	OK        bool              `json:"ok"`
	Status    string            `json:"status"` // healthy | degraded | unhealthy
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Latency   time.Duration     `json:"latency,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

func newResult(name string) *CheckResult {
	return &CheckResult{
		Name:      name,
		CheckedAt: time.Now(),
		Metadata:  make(map[string]string),
	}
}

func (r *CheckResult) fail(status, format string, args ...interface{}) *CheckResult {
	r.OK = false
	r.Status = status
	r.Error = fmt.Sprintf(format, args...)
	return r
}

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter holds criteria for compliance queries over the audit log.
// Zero-value fields are not applied.
type Filter struct {
	WorkflowID string
	Actor      string
	From       time.Time
	To         time.Time
}

// Summary holds decision counts and metadata for a query result.
type Summary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	DenyCount      int    `json:"deny_count"`
	ApprovalCount  int    `json:"approval_count"`
	FailureCount   int    `json:"failure_count"`
	OverrideCount  int    `json:"override_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// QueryResult holds filtered entries and their summary.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Query reads the audit log and returns entries matching the filter,
// in the order they were written. Malformed lines are skipped: a query
// must not fail because one line was damaged after the fact (Verify is
// the tool that reports damage).
func Query(path string, filter Filter) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &QueryResult{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Actor != "" && entry.Actor != filter.Actor {
			continue
		}

		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, entry.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}

		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return result, nil
}

func updateSummary(s *Summary, entry Entry) {
	s.Total++

	switch entry.Decision {
	case "allow":
		s.AllowCount++
	case "deny":
		s.DenyCount++
	case "require_approval":
		s.ApprovalCount++
	}

	if entry.Status == StatusFailure {
		s.FailureCount++
	}

	// A human actor on an approval resolution is an override of the
	// autonomous path; compliance reviews count these separately.
	if entry.Event == EventApprovalResolved && entry.Actor != ActorSystem {
		s.OverrideCount++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}

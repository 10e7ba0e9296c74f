// Package audit maintains the controller's append-only event stream:
// every allow/deny decision, hygiene verdict, apply/test outcome, and
// bandit selection is recorded to events.jsonl and, when a database is
// attached, to the event_log table. Records are never mutated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/rfsn/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Decision  string `json:"decision,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens events.jsonl under the output directory for appending.
func Init(outputDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(outputDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches a database for event_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny/reject decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one event. Secrets are redacted before persistence.
func Record(eventType, decision, subject, reason string) {
	RecordFor(eventType, decision, subject, reason, "", "")
}

// RecordFor appends one event with node/action attribution.
func RecordFor(eventType, decision, subject, reason, nodeID, actionID string) {
	if decision == "deny" || decision == "reject" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Type:      eventType,
			Decision:  decision,
			Subject:   subject,
			Reason:    reason,
			NodeID:    nodeID,
			ActionID:  actionID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO event_log (event_type, decision, subject, reason, node_id, action_id)
			VALUES (?, ?, ?, ?, ?, ?);
		`, eventType, decision, subject, reason, nodeID, actionID)
	}
}

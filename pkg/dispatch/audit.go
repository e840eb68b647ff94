package dispatch

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/excelmanus/excelmanus/pkg/utils"
)

// AuditRecord is one line in the session audit trail.
type AuditRecord struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Iteration int            `json:"iteration"`
	Decision  string         `json:"decision,omitempty"`
	Error     bool           `json:"error,omitempty"`
	Paths     []string       `json:"paths,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Time      string         `json:"ts"`
}

// AuditLog appends audited tool calls to a per-workspace JSONL file and
// archives resolved approvals. A nil log is safe to call; records are
// dropped, which keeps tests and read-only deployments simple.
type AuditLog struct {
	mu           sync.Mutex
	path         string
	approvalsDir string
	sessionID    string
	log          *slog.Logger
}

func NewAuditLog(path, approvalsDir, sessionID string) *AuditLog {
	return &AuditLog{
		path:         path,
		approvalsDir: approvalsDir,
		sessionID:    sessionID,
		log:          slog.Default().With("component", "audit"),
	}
}

// Record appends one line. Failures are logged, never propagated: auditing
// must not break the tool call it describes.
func (a *AuditLog) Record(r AuditRecord) {
	if a == nil {
		return
	}
	r.SessionID = a.sessionID
	r.Time = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(r)
	if err != nil {
		a.log.Warn("unencodable audit record dropped", "tool", r.Tool, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.log.Warn("audit log unavailable", "path", a.path, "error", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// Archive persists a resolved approval under the approvals directory and
// records it in the audit trail.
func (a *AuditLog) Archive(approvalID string, r AuditRecord) {
	if a == nil {
		return
	}
	a.Record(r)

	if a.approvalsDir == "" {
		return
	}
	r.SessionID = a.sessionID
	r.Time = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(a.approvalsDir, approvalID+".json")
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		a.log.Warn("failed to archive approval", "id", approvalID, "error", err)
	}
}

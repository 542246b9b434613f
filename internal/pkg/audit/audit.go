// Package audit provides structured logging of security-relevant events
// (failed logins, lockouts, risk verdicts, role changes) for compliance and
// incident investigation, independent of the per-request access log.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// SecurityEvent mirrors models.SecurityEvent's shape for logging without an
// import on the models package (keeps this a leaf dependency).
type SecurityEvent struct {
	Time      string `json:"time"`
	EventType string `json:"event_type"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	RiskScore int    `json:"risk_score,omitempty"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}

var auditLog = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// LogSecurityEvent records one security event line. Call after the
// decision is made (e.g. lockout applied, risk verdict computed), never
// before, so the outcome field reflects what actually happened.
func LogSecurityEvent(requestID, userID, username, ipAddress, eventType, outcome, message string, riskScore int) {
	e := SecurityEvent{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RequestID: requestID,
		UserID:    userID,
		Username:  username,
		IPAddress: ipAddress,
		RiskScore: riskScore,
		Outcome:   outcome,
		Message:   message,
	}
	auditLog.Info("audit", "event", mustMarshal(e))
}

// RoleChangeEvent is the audit payload for a role or permission mutation.
type RoleChangeEvent struct {
	Time      string `json:"time"`
	Action    string `json:"action"` // "role_created" | "role_permission_granted" | "role_assigned" | ...
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}

// LogRoleChange records a role/permission administrative mutation.
func LogRoleChange(requestID, actorID, targetID, action, outcome, message string) {
	e := RoleChangeEvent{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		RequestID: requestID,
		ActorID:   actorID,
		TargetID:  targetID,
		Outcome:   outcome,
		Message:   message,
	}
	auditLog.Info("audit", "event", mustMarshal(e))
}

func mustMarshal(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertSeverity represents the severity level of an alert.
type AlertSeverity string

const (
	// AlertSeverityInfo indicates informational alert.
	AlertSeverityInfo AlertSeverity = "info"
	// AlertSeverityWarning indicates warning alert.
	AlertSeverityWarning AlertSeverity = "warning"
	// AlertSeverityError indicates a failed operation.
	AlertSeverityError AlertSeverity = "error"
	// AlertSeverityCritical indicates critical alert.
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertStatus represents the current status of an alert.
type AlertStatus string

const (
	// AlertStatusActive indicates the alert is active.
	AlertStatusActive AlertStatus = "active"
	// AlertStatusResolved indicates the alert has been resolved.
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert is a user-facing problem recorded against an asset. Codes are
// stable short identifiers such as BKP0101.
type Alert struct {
	ID         uuid.UUID     `json:"id"`
	AssetKey   string        `json:"asset_key"`
	Code       string        `json:"code"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Status     AlertStatus   `json:"status"`
	RaisedAt   time.Time     `json:"raised_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// NewAlert creates an active alert.
func NewAlert(assetKey, code string, severity AlertSeverity, message string) *Alert {
	return &Alert{
		ID:       uuid.New(),
		AssetKey: assetKey,
		Code:     code,
		Severity: severity,
		Message:  message,
		Status:   AlertStatusActive,
		RaisedAt: time.Now(),
	}
}

// IsActive returns true if the alert has not been resolved.
func (a *Alert) IsActive() bool {
	return a.Status == AlertStatusActive
}

// Resolve marks the alert as resolved.
func (a *Alert) Resolve() {
	now := time.Now()
	a.Status = AlertStatusResolved
	a.ResolvedAt = &now
}

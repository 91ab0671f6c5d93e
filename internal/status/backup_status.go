// Package status maintains the per-asset progress records polled by the UI
// and the durable snapshot status consumed by schedulers and reporting.
package status

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// BackupState is the coarse phase of a running backup.
type BackupState string

const (
	StateIdle                 BackupState = "idle"
	StatePreflight            BackupState = "preflight"
	StateSamba                BackupState = "samba"
	StateQuery                BackupState = "query"
	StateVSS                  BackupState = "vss"
	StateLostConnection       BackupState = "lost-connection"
	StateTransfer             BackupState = "transfer"
	StatePreparingEnvironment BackupState = "preparing-environment"
	StateFilesystemIntegrity  BackupState = "filesystem-integrity"
	StatePost                 BackupState = "post"
	StateCancel               BackupState = "cancel"
	// StateString carries a free-form message in the record's data.
	StateString BackupState = "string"
)

// TransferStep is the sub-phase of StateTransfer.
type TransferStep string

const (
	StepPreparingImage  TransferStep = "preparing-image"
	StepPreparingVolume TransferStep = "preparing-volume"
	StepFinishingVolume TransferStep = "finishing-volume"
	StepTransferring    TransferStep = "transferring"
)

// TransferProgress is the data payload of a transfer status.
type TransferProgress struct {
	Step       TransferStep `json:"step"`
	Volume     string       `json:"volume,omitempty"`
	BytesSent  int64        `json:"sent"`
	BytesTotal int64        `json:"total"`
}

// Percent returns completion in the range 0-100.
func (p TransferProgress) Percent() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := float64(p.BytesSent) / float64(p.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// backupRecord is the on-disk layout.
type backupRecord struct {
	State           BackupState     `json:"state"`
	Data            json.RawMessage `json:"data,omitempty"`
	MD5             string          `json:"md5"`
	Started         int64           `json:"started"`
	BackupType      *string         `json:"backupType"`
	ExpiryTimestamp int64           `json:"expiryTimestamp"` // 0 never expires
}

// BackupStatus is the decoded progress of a run.
type BackupStatus struct {
	State      BackupState     `json:"state"`
	Data       json.RawMessage `json:"data,omitempty"`
	MD5        string          `json:"md5,omitempty"`
	Started    time.Time       `json:"started,omitempty"`
	BackupType string          `json:"backupType,omitempty"`
	Expiry     *time.Time      `json:"expiry,omitempty"`
}

// Idle reports whether no backup is in progress.
func (s *BackupStatus) Idle() bool {
	return s.State == StateIdle
}

// Transfer decodes the transfer substep. It returns nil for other states.
func (s *BackupStatus) Transfer() (*TransferProgress, error) {
	if s.State != StateTransfer || len(s.Data) == 0 {
		return nil, nil
	}
	var p TransferProgress
	if err := json.Unmarshal(s.Data, &p); err != nil {
		return nil, fmt.Errorf("decode transfer progress: %w", err)
	}
	return &p, nil
}

// Message returns the free-form text of a StateString status.
func (s *BackupStatus) Message() string {
	if s.State != StateString || len(s.Data) == 0 {
		return ""
	}
	var msg string
	if err := json.Unmarshal(s.Data, &msg); err != nil {
		return ""
	}
	return msg
}

func idle() *BackupStatus {
	return &BackupStatus{State: StateIdle}
}

// LockInspector exposes what the status service needs from the backup lock.
type LockInspector interface {
	IsLocked() bool
	HolderPID() (int, error)
	Heal() (bool, error)
}

// BackupStatusService owns the ephemeral progress record of one asset.
type BackupStatusService struct {
	asset  string
	path   string
	lock   LockInspector
	clock  clock.Clock
	alive  func(pid int) bool
	logger zerolog.Logger
}

// NewBackupStatusService returns the status service for asset, storing its
// record under dir. alive probes whether a pid is still running.
func NewBackupStatusService(asset, dir string, lk LockInspector, alive func(int) bool, clk clock.Clock, logger zerolog.Logger) *BackupStatusService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &BackupStatusService{
		asset:  asset,
		path:   filepath.Join(dir, asset+".backupStatus"),
		lock:   lk,
		clock:  clk,
		alive:  alive,
		logger: logger.With().Str("component", "backup_status").Str("asset", asset).Logger(),
	}
}

// Path returns the record location.
func (s *BackupStatusService) Path() string {
	return s.path
}

// Update replaces the record. data is marshalled to JSON. backupType may be
// empty. A positive expiry makes the record read as idle once it passes.
func (s *BackupStatusService) Update(started time.Time, state BackupState, data any, backupType string, expiry time.Duration) error {
	rec := backupRecord{
		State:   state,
		Started: started.Unix(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal status data: %w", err)
		}
		rec.Data = raw
	}
	sum := md5.Sum([]byte(s.asset))
	rec.MD5 = hex.EncodeToString(sum[:])

	if backupType != "" {
		rec.BackupType = &backupType
	}
	if expiry > 0 {
		rec.ExpiryTimestamp = s.clock.Now().Add(expiry).Unix()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	return nil
}

// UpdateTransfer records transfer progress.
func (s *BackupStatusService) UpdateTransfer(started time.Time, progress TransferProgress, backupType string) error {
	return s.Update(started, StateTransfer, progress, backupType, 0)
}

// UpdateMessage records a free-form message.
func (s *BackupStatusService) UpdateMessage(started time.Time, msg string) error {
	return s.Update(started, StateString, msg, "", 0)
}

// Get returns the current status. Missing and expired records read as idle,
// and expired records are deleted. With checkAlive set, a record whose lock
// holder is gone also reads as idle; an invalid holder pid heals the lock.
func (s *BackupStatusService) Get(checkAlive bool) (*BackupStatus, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return idle(), nil
		}
		return nil, fmt.Errorf("read status record: %w", err)
	}

	var rec backupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Debug().Err(err).Msg("unreadable status record treated as idle")
		return idle(), nil
	}

	if rec.ExpiryTimestamp != 0 && s.clock.Now().Unix() > rec.ExpiryTimestamp {
		if err := fsutil.RemoveIfExists(s.path); err != nil {
			s.logger.Warn().Err(err).Msg("failed to remove expired status record")
		}
		return idle(), nil
	}

	if checkAlive && !s.ownerAlive() {
		return idle(), nil
	}

	st := &BackupStatus{
		State:   rec.State,
		Data:    rec.Data,
		MD5:     rec.MD5,
		Started: time.Unix(rec.Started, 0),
	}
	if rec.BackupType != nil {
		st.BackupType = *rec.BackupType
	}
	if rec.ExpiryTimestamp != 0 {
		exp := time.Unix(rec.ExpiryTimestamp, 0)
		st.Expiry = &exp
	}
	return st, nil
}

func (s *BackupStatusService) ownerAlive() bool {
	if s.lock == nil {
		return true
	}
	pid, err := s.lock.HolderPID()
	if err != nil {
		if _, herr := s.lock.Heal(); herr != nil {
			s.logger.Warn().Err(herr).Msg("failed to heal stale backup lock")
		}
		return false
	}
	if !s.lock.IsLocked() {
		return false
	}
	if s.alive != nil && !s.alive(pid) {
		return false
	}
	return true
}

// Clear removes the record.
func (s *BackupStatusService) Clear() error {
	if err := fsutil.RemoveIfExists(s.path); err != nil {
		return fmt.Errorf("clear status record: %w", err)
	}
	return nil
}

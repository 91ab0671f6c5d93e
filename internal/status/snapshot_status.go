package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// SnapshotState is the lifecycle of one scheduled snapshot.
type SnapshotState string

const (
	SnapshotNoStatus    SnapshotState = "NO_STATUS"
	SnapshotQueued      SnapshotState = "QUEUED"
	SnapshotStarted     SnapshotState = "STARTED"
	SnapshotComplete    SnapshotState = "COMPLETE"
	SnapshotFailed      SnapshotState = "FAILED"
	SnapshotQueueFailed SnapshotState = "QUEUE_FAILED"
)

// IsTerminal reports whether no further transition is expected.
func (s SnapshotState) IsTerminal() bool {
	switch s {
	case SnapshotComplete, SnapshotFailed, SnapshotQueueFailed:
		return true
	}
	return false
}

// SnapshotStatus is the durable record of the latest snapshot attempt.
type SnapshotStatus struct {
	State         SnapshotState `json:"state"`
	BackupID      string        `json:"backupId,omitempty"`
	StartTime     int64         `json:"startTime,omitempty"`
	EndTime       *int64        `json:"endTime,omitempty"`
	SnapshotEpoch *int64        `json:"snapshotEpoch,omitempty"`
}

// SnapshotStatusService reads and writes snapshot status records, one file
// per asset under a durable directory.
type SnapshotStatusService struct {
	dir    string
	clock  clock.Clock
	newID  func() string
	logger zerolog.Logger
}

// NewSnapshotStatusService creates a service rooted at dir.
func NewSnapshotStatusService(dir string, clk clock.Clock, logger zerolog.Logger) *SnapshotStatusService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &SnapshotStatusService{
		dir:    dir,
		clock:  clk,
		newID:  func() string { return uuid.New().String() },
		logger: logger.With().Str("component", "snapshot_status").Logger(),
	}
}

func (s *SnapshotStatusService) path(asset string) string {
	return filepath.Join(s.dir, asset+".snapshotStatus")
}

// Get returns the record for asset, or NO_STATUS when none exists.
func (s *SnapshotStatusService) Get(asset string) (SnapshotStatus, error) {
	data, err := os.ReadFile(s.path(asset))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotStatus{State: SnapshotNoStatus}, nil
		}
		return SnapshotStatus{}, fmt.Errorf("read snapshot status: %w", err)
	}
	var st SnapshotStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return SnapshotStatus{}, fmt.Errorf("parse snapshot status: %w", err)
	}
	if st.State == "" {
		st.State = SnapshotNoStatus
	}
	return st, nil
}

// MarkQueued starts a new cycle with a fresh backup id.
func (s *SnapshotStatusService) MarkQueued(asset string) (SnapshotStatus, error) {
	st := SnapshotStatus{
		State:     SnapshotQueued,
		BackupID:  s.newID(),
		StartTime: s.clock.Now().Unix(),
	}
	return st, s.write(asset, st)
}

// MarkStarted moves the record to STARTED, keeping any existing backup id so
// a caller that queued the run can recognise it.
func (s *SnapshotStatusService) MarkStarted(asset string) (SnapshotStatus, error) {
	prev, err := s.Get(asset)
	if err != nil {
		return SnapshotStatus{}, err
	}
	st := SnapshotStatus{
		State:     SnapshotStarted,
		BackupID:  prev.BackupID,
		StartTime: s.clock.Now().Unix(),
	}
	if st.BackupID == "" {
		st.BackupID = s.newID()
	}
	return st, s.write(asset, st)
}

// MarkComplete records success. epoch may be nil.
func (s *SnapshotStatusService) MarkComplete(asset string, epoch *int64) (SnapshotStatus, error) {
	return s.finish(asset, SnapshotComplete, epoch)
}

// MarkFailed records failure or cancellation. epoch may be nil.
func (s *SnapshotStatusService) MarkFailed(asset string, epoch *int64) (SnapshotStatus, error) {
	return s.finish(asset, SnapshotFailed, epoch)
}

// MarkQueueFailed records that a queued run could not be launched.
func (s *SnapshotStatusService) MarkQueueFailed(asset string) (SnapshotStatus, error) {
	prev, err := s.Get(asset)
	if err != nil {
		return SnapshotStatus{}, err
	}
	if prev.State != SnapshotNoStatus && prev.State != SnapshotQueued {
		s.logger.Warn().Str("asset", asset).Str("from", string(prev.State)).Msg("queue failure recorded outside the queued state")
	}
	return s.finish(asset, SnapshotQueueFailed, nil)
}

// Clear removes the record. Used when a new scheduling cycle begins.
func (s *SnapshotStatusService) Clear(asset string) error {
	if err := fsutil.RemoveIfExists(s.path(asset)); err != nil {
		return fmt.Errorf("clear snapshot status: %w", err)
	}
	return nil
}

func (s *SnapshotStatusService) finish(asset string, state SnapshotState, epoch *int64) (SnapshotStatus, error) {
	prev, err := s.Get(asset)
	if err != nil {
		return SnapshotStatus{}, err
	}
	now := s.clock.Now().Unix()
	st := SnapshotStatus{
		State:         state,
		BackupID:      prev.BackupID,
		StartTime:     prev.StartTime,
		EndTime:       &now,
		SnapshotEpoch: epoch,
	}
	if st.BackupID == "" {
		st.BackupID = s.newID()
	}
	if st.StartTime == 0 {
		st.StartTime = now
	}
	return st, s.write(asset, st)
}

func (s *SnapshotStatusService) write(asset string, st SnapshotStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot status: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path(asset), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot status: %w", err)
	}
	s.logger.Debug().Str("asset", asset).Str("state", string(st.State)).Str("backup_id", st.BackupID).Msg("snapshot status updated")
	return nil
}

package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ResumableFailure is the retry state of one asset.
type ResumableFailure struct {
	AgentUUID                 string `json:"agentUuid"`
	Retries                   int    `json:"retries"`
	LastNotificationTimestamp int64  `json:"lastNotificationTimestamp"`
}

// ResumableDecision is the outcome of recording a failure.
type ResumableDecision struct {
	// Resumable is true while the asset has retries left.
	Resumable bool
	Retries   int
	// Notify is true when an exhausted asset is due a user notification.
	Notify bool
}

// ResumableTracker keeps the process-wide map of resumable failures.
// Every read-modify-write cycle holds a file lock on a sibling file so
// concurrent workers do not lose updates.
type ResumableTracker struct {
	path           string
	maxRetries     int
	notifyInterval time.Duration
	clock          clock.Clock
	logger         zerolog.Logger
}

// NewResumableTracker creates a tracker persisting to path.
func NewResumableTracker(path string, maxRetries int, notifyInterval time.Duration, clk clock.Clock, logger zerolog.Logger) *ResumableTracker {
	return &ResumableTracker{
		path:           path,
		maxRetries:     maxRetries,
		notifyInterval: notifyInterval,
		clock:          clk,
		logger:         logger.With().Str("component", "resumable_tracker").Logger(),
	}
}

// RecordFailure counts a resumable failure for asset. The counter restarts
// when the asset is now served by a different agent.
func (t *ResumableTracker) RecordFailure(ctx context.Context, asset *models.Asset) (ResumableDecision, error) {
	var d ResumableDecision
	err := t.update(ctx, func(state map[string]ResumableFailure) {
		entry := state[asset.Key]
		if entry.AgentUUID != asset.AgentUUID {
			entry = ResumableFailure{AgentUUID: asset.AgentUUID}
		}
		entry.Retries++

		d.Retries = entry.Retries
		d.Resumable = entry.Retries <= t.maxRetries
		if !d.Resumable {
			now := t.clock.Now()
			last := time.Unix(entry.LastNotificationTimestamp, 0)
			if entry.LastNotificationTimestamp == 0 || now.Sub(last) >= t.notifyInterval {
				d.Notify = true
				entry.LastNotificationTimestamp = now.Unix()
			}
		}
		state[asset.Key] = entry
	})
	if err != nil {
		return ResumableDecision{}, err
	}

	t.logger.Debug().
		Str("asset", asset.Key).
		Int("retries", d.Retries).
		Bool("resumable", d.Resumable).
		Msg("resumable failure recorded")
	return d, nil
}

// Clear forgets the asset's failures. Clearing an unknown asset is a no-op.
func (t *ResumableTracker) Clear(ctx context.Context, assetKey string) error {
	return t.update(ctx, func(state map[string]ResumableFailure) {
		delete(state, assetKey)
	})
}

// Get returns the asset's failure state, if any.
func (t *ResumableTracker) Get(assetKey string) (ResumableFailure, bool, error) {
	state, err := t.load()
	if err != nil {
		return ResumableFailure{}, false, err
	}
	f, ok := state[assetKey]
	return f, ok, nil
}

// Pending returns the assets whose last failure was resumable and that still
// have retries left, sorted by key. Exhausted assets are not retried again
// until a successful run clears them.
func (t *ResumableTracker) Pending() ([]string, error) {
	state, err := t.load()
	if err != nil {
		return nil, err
	}
	var keys []string
	for key, f := range state {
		if f.Retries > 0 && f.Retries <= t.maxRetries {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *ResumableTracker) update(ctx context.Context, fn func(map[string]ResumableFailure)) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create resumable state directory: %w", err)
	}
	return lock.WithFileLock(ctx, t.path+".lock", func() error {
		state, err := t.load()
		if err != nil {
			return err
		}
		fn(state)

		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal resumable state: %w", err)
		}
		if err := fsutil.WriteFileAtomic(t.path, data, 0o644); err != nil {
			return fmt.Errorf("write resumable state: %w", err)
		}
		return nil
	})
}

func (t *ResumableTracker) load() (map[string]ResumableFailure, error) {
	state := make(map[string]ResumableFailure)

	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, fmt.Errorf("read resumable state: %w", err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		t.logger.Warn().Err(err).Msg("discarding unreadable resumable state")
		return make(map[string]ResumableFailure), nil
	}
	return state, nil
}

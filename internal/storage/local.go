// Package storage keeps snapshots as directories on the local filesystem.
//
// Layout per asset:
//
//	<root>/<asset>/.staging/     data of the run in progress
//	<root>/<asset>/<epoch>/      one committed snapshot
//	<root>/<asset>/latest        epoch of the newest committed snapshot
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MacJediWizard/keldris-orchestrator/internal/backup"
	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const (
	stagingDir   = ".staging"
	tmpDir       = ".tmp"
	latestFile   = "latest"
	manifestFile = "manifest.json"
)

// Manifest describes a committed snapshot.
type Manifest struct {
	Asset       string                             `json:"asset"`
	Epoch       int64                              `json:"epoch"`
	BackupType  string                             `json:"backupType"`
	Volumes     []string                           `json:"volumes"`
	VolumeTypes map[string]backup.VolumeBackupType `json:"volumeTypes,omitempty"`
	Bytes       int64                              `json:"bytes"`
}

// LocalStore implements backup.Storage and backup.Retention on a directory tree.
type LocalStore struct {
	root   string
	keep   int
	clock  clock.Clock
	logger zerolog.Logger
}

// NewLocalStore creates a store rooted at root that keeps the newest keep
// snapshots of each asset.
func NewLocalStore(root string, keep int, clk clock.Clock, logger zerolog.Logger) *LocalStore {
	return &LocalStore{
		root:   root,
		keep:   keep,
		clock:  clk,
		logger: logger.With().Str("component", "local_store").Logger(),
	}
}

func (s *LocalStore) assetDir(key string) string {
	return filepath.Join(s.root, key)
}

// StagingDir is where a run writes data before the snapshot is taken.
func (s *LocalStore) StagingDir(key string) string {
	return filepath.Join(s.assetDir(key), stagingDir)
}

// SnapshotDir is the directory of a committed snapshot.
func (s *LocalStore) SnapshotDir(key string, epoch int64) string {
	return filepath.Join(s.assetDir(key), strconv.FormatInt(epoch, 10))
}

// PrepareStaging creates the staging directory of a run.
func (s *LocalStore) PrepareStaging(key string) (string, error) {
	dir := s.StagingDir(key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

func (s *LocalStore) HasIncompleteSnapshot(_ context.Context, rc *backup.RunContext) (bool, error) {
	return fsutil.Exists(s.StagingDir(rc.Asset().Key)), nil
}

func (s *LocalStore) RollbackIncompleteSnapshot(_ context.Context, rc *backup.RunContext) error {
	dir := s.StagingDir(rc.Asset().Key)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove incomplete snapshot: %w", err)
	}
	rc.Logger().Info().Str("dir", dir).Msg("incomplete snapshot removed")
	return nil
}

func (s *LocalStore) CleanupArtifacts(_ context.Context, rc *backup.RunContext) error {
	if err := os.RemoveAll(filepath.Join(s.assetDir(rc.Asset().Key), tmpDir)); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	return nil
}

// TakeSnapshot commits the staging directory as a snapshot named by the
// current epoch. Epochs are unique per asset.
func (s *LocalStore) TakeSnapshot(_ context.Context, rc *backup.RunContext) (int64, error) {
	key := rc.Asset().Key
	staging, err := s.PrepareStaging(key)
	if err != nil {
		return 0, err
	}

	epoch := s.clock.Now().Unix()
	for fsutil.Exists(s.SnapshotDir(key, epoch)) {
		epoch++
	}

	m := Manifest{
		Asset:       key,
		Epoch:       epoch,
		BackupType:  rc.BackupType(),
		Volumes:     rc.IncludedVolumes(),
		VolumeTypes: rc.VolumeBackupTypes(),
		Bytes:       rc.BytesTransferred(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(staging, manifestFile), data, 0o640); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}

	if err := os.Rename(staging, s.SnapshotDir(key, epoch)); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	s.logger.Info().Str("asset", key).Int64("epoch", epoch).Msg("snapshot taken")
	return epoch, nil
}

func (s *LocalStore) DestroySnapshot(_ context.Context, rc *backup.RunContext, epoch int64) error {
	if err := os.RemoveAll(s.SnapshotDir(rc.Asset().Key, epoch)); err != nil {
		return fmt.Errorf("destroy snapshot %d: %w", epoch, err)
	}
	s.logger.Info().Str("asset", rc.Asset().Key).Int64("epoch", epoch).Msg("snapshot destroyed")
	return nil
}

// UpdateAssetState records the run's snapshot as the asset's latest.
func (s *LocalStore) UpdateAssetState(_ context.Context, rc *backup.RunContext) error {
	if !rc.HasSnapshot() {
		return nil
	}
	path := filepath.Join(s.assetDir(rc.Asset().Key), latestFile)
	if err := fsutil.WriteFileAtomic(path, []byte(strconv.FormatInt(rc.SnapshotEpoch(), 10)), 0o640); err != nil {
		return fmt.Errorf("write latest snapshot: %w", err)
	}
	return nil
}

// Latest returns the epoch recorded as latest, or false if none.
func (s *LocalStore) Latest(key string) (int64, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.assetDir(key), latestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read latest snapshot: %w", err)
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse latest snapshot: %w", err)
	}
	return epoch, true, nil
}

// List returns the asset's committed snapshot epochs, oldest first.
func (s *LocalStore) List(key string) ([]int64, error) {
	entries, err := os.ReadDir(s.assetDir(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var epochs []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		epoch, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// Run applies retention: snapshots beyond the newest keep are removed.
// The latest snapshot is never removed.
func (s *LocalStore) Run(_ context.Context, rc *backup.RunContext) error {
	key := rc.Asset().Key
	epochs, err := s.List(key)
	if err != nil {
		return err
	}
	if len(epochs) <= s.keep {
		return nil
	}

	latest, hasLatest, err := s.Latest(key)
	if err != nil {
		return err
	}

	var errs []error
	removed := 0
	for _, epoch := range epochs[:len(epochs)-s.keep] {
		if hasLatest && epoch == latest {
			continue
		}
		if err := os.RemoveAll(s.SnapshotDir(key, epoch)); err != nil {
			errs = append(errs, fmt.Errorf("remove snapshot %d: %w", epoch, err))
			continue
		}
		removed++
	}

	rc.Logger().Info().Int("removed", removed).Int("keep", s.keep).Msg("retention applied")
	return errors.Join(errs...)
}

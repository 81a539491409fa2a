package safeedit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
	"gopkg.in/yaml.v3"
)

// MaxContentSize bounds staged content.
const MaxContentSize = 100 * 1024

// Publisher is the subset of the bus the service needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// ValidationError carries the reasons a staged edit was rejected.
// Validation failure never touches the target.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "edit rejected: " + strings.Join(e.Reasons, "; ")
}

// Service implements the validated, backed-up mutation protocol for
// content artifacts (configuration files, memory notes).
type Service struct {
	store      storage.Store
	pub        Publisher
	backupsDir string
	now        func() time.Time
}

// NewService creates the safe-edit service. Backups live under
// <dataRoot>/backups.
func NewService(store storage.Store, pub Publisher, dataRoot string) (*Service, error) {
	dir := filepath.Join(dataRoot, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backups directory: %w", err)
	}
	return &Service{
		store:      store,
		pub:        pub,
		backupsDir: dir,
		now:        time.Now,
	}, nil
}

// Stage validates newContent against target and records a staged backup.
// The original content and the staged content are both written to the
// backups directory; the target itself is untouched until Apply.
func (s *Service) Stage(target string, newContent []byte, reviewerTags []string, by types.AgentKind) (string, error) {
	if reasons := Validate(target, newContent); len(reasons) > 0 {
		return "", &ValidationError{Reasons: reasons}
	}

	original, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read target %s: %w", target, err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(s.originalPath(id), original, 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.WriteFile(s.stagedPath(id), newContent, 0o600); err != nil {
		os.Remove(s.originalPath(id))
		return "", fmt.Errorf("failed to write staged content: %w", err)
	}

	backup := &types.EditBackup{
		ID:             id,
		TargetPath:     target,
		OriginalDigest: digest(original),
		NewDigest:      digest(newContent),
		Timestamp:      s.now(),
		AppliedBy:      by,
		Status:         types.BackupStaged,
		ReviewerTags:   reviewerTags,
	}
	if err := s.store.CreateBackup(backup); err != nil {
		os.Remove(s.originalPath(id))
		os.Remove(s.stagedPath(id))
		return "", err
	}
	return id, nil
}

// Apply atomically replaces the target with the staged content
// (write-temp + rename) and marks the backup applied.
func (s *Service) Apply(editID string) error {
	backup, err := s.store.GetBackup(editID)
	if err != nil {
		return err
	}
	if backup.Status != types.BackupStaged {
		return fmt.Errorf("edit %q is %s, not staged: %w", editID, backup.Status, storage.ErrConstraint)
	}

	staged, err := os.ReadFile(s.stagedPath(editID))
	if err != nil {
		return s.fail(backup, fmt.Errorf("staged content missing: %w", err))
	}
	// The target must not have drifted since staging.
	current, err := os.ReadFile(backup.TargetPath)
	if err != nil {
		return s.fail(backup, fmt.Errorf("failed to read target: %w", err))
	}
	if digest(current) != backup.OriginalDigest {
		return s.fail(backup, fmt.Errorf("target %s changed since staging", backup.TargetPath))
	}

	if err := replaceAtomic(backup.TargetPath, staged); err != nil {
		return s.fail(backup, err)
	}

	backup.Status = types.BackupApplied
	if err := s.store.UpdateBackup(backup); err != nil {
		return err
	}
	return s.pub.Publish(&types.Event{
		Type:     bus.TopicEditApplied,
		Severity: types.SeverityInfo,
		Priority: types.PriorityNormal,
		Source:   "safeedit",
		Payload: map[string]any{
			"edit_id": editID,
			"target":  backup.TargetPath,
			"digest":  backup.NewDigest,
		},
	})
}

// Rollback restores the target from the backup copy.
func (s *Service) Rollback(editID string) error {
	backup, err := s.store.GetBackup(editID)
	if err != nil {
		return err
	}
	if backup.Status != types.BackupApplied {
		return fmt.Errorf("edit %q is %s, not applied: %w", editID, backup.Status, storage.ErrConstraint)
	}

	original, err := os.ReadFile(s.originalPath(editID))
	if err != nil {
		return fmt.Errorf("backup content missing: %w", err)
	}
	if err := replaceAtomic(backup.TargetPath, original); err != nil {
		return err
	}

	backup.Status = types.BackupRolledBack
	if err := s.store.UpdateBackup(backup); err != nil {
		return err
	}
	return s.pub.Publish(&types.Event{
		Type:     bus.TopicEditRolledBack,
		Severity: types.SeverityWarning,
		Priority: types.PriorityNormal,
		Source:   "safeedit",
		Payload: map[string]any{
			"edit_id": editID,
			"target":  backup.TargetPath,
		},
	})
}

// Prune removes backups older than retention unless they are referenced
// by an incident.
func (s *Service) Prune(retention time.Duration) (int, error) {
	backups, err := s.store.ListBackups()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-retention)
	pruned := 0
	for _, backup := range backups {
		if backup.Timestamp.After(cutoff) || backup.IncidentRef != "" {
			continue
		}
		os.Remove(s.originalPath(backup.ID))
		os.Remove(s.stagedPath(backup.ID))
		if err := s.store.DeleteBackup(backup.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		log.WithComponent("safeedit").Info().Int("pruned", pruned).Msg("pruned expired backups")
	}
	return pruned, nil
}

func (s *Service) fail(backup *types.EditBackup, cause error) error {
	_ = s.pub.Publish(&types.Event{
		Type:     bus.TopicEditFailed,
		Severity: types.SeverityWarning,
		Priority: types.PriorityHigh,
		Source:   "safeedit",
		Payload: map[string]any{
			"edit_id": backup.ID,
			"target":  backup.TargetPath,
			"error":   cause.Error(),
		},
	})
	return cause
}

func (s *Service) originalPath(id string) string {
	return filepath.Join(s.backupsDir, id+".orig")
}

func (s *Service) stagedPath(id string) string {
	return filepath.Join(s.backupsDir, id+".staged")
}

// replaceAtomic writes content next to target and renames it into place.
func replaceAtomic(target string, content []byte) error {
	info, err := os.Stat(target)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, mode); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

// parseCheck verifies structured text parses for its extension.
func parseCheck(target string, content []byte) error {
	switch strings.ToLower(filepath.Ext(target)) {
	case ".json":
		var v any
		return json.Unmarshal(content, &v)
	case ".yaml", ".yml":
		var v any
		return yaml.Unmarshal(content, &v)
	}
	return nil
}

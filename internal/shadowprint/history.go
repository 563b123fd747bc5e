package shadowprint

import (
	"context"
	"strings"
)

// patchHistory rewrites the finished job's recorded filename back to the
// original and merges substitution details into its auxiliary data. History
// accuracy is a best-effort enhancement: a missing capability, an uncaptured
// job id, an absent job or a write failure are all logged and absorbed.
func (m *Manager) patchHistory(ctx context.Context, record *PrintRecord) {
	m.mu.Lock()
	history := m.history
	m.mu.Unlock()
	if history == nil {
		m.logger.Printf("history patch skipped for %s: history capability unavailable", record.SymlinkFilename)
		return
	}
	if record.JobID == "" {
		m.logger.Printf("history patch skipped for %s: job id was never captured", record.SymlinkFilename)
		return
	}

	job, err := history.GetJob(ctx, record.JobID)
	if err != nil {
		m.logger.Printf("failed to fetch history job %s: %v", record.JobID, err)
		return
	}
	if job == nil {
		m.logger.Printf("job %s not in history", record.JobID)
		return
	}

	displayName := strings.TrimPrefix(record.OriginalFilename, m.symlinkDir+"/")

	auxiliary := job.AuxiliaryData
	if auxiliary == nil {
		auxiliary = map[string]any{}
	}
	auxiliary["shadowprint_modifications"] = record.Modifications
	auxiliary["shadowprint_temp_file"] = record.TempFilename
	auxiliary["shadowprint_symlink"] = record.SymlinkFilename
	auxiliary["shadowprint_original"] = record.OriginalFilename

	if err := history.ModifyJob(ctx, record.JobID, displayName, auxiliary); err != nil {
		m.logger.Printf("failed to patch history job %s: %v", record.JobID, err)
		return
	}
	m.logger.Printf("patched history job %s filename to %q", record.JobID, displayName)
}

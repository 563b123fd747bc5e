package shadowprint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const Version = "1.0.0"

const (
	defaultTempDirName    = ".shadow_temp"
	defaultSymlinkDirName = ".shadow_print"
	defaultCleanupDelay   = 24 * time.Hour
	defaultMaxContent     = 256 << 20
)

// GCodeRunner executes a G-code script on the print engine.
type GCodeRunner interface {
	RunScript(ctx context.Context, script string) error
}

// HistoryJob is the slice of a job-history record this component reads and
// rewrites.
type HistoryJob struct {
	UID           string
	Filename      string
	AuxiliaryData map[string]any
}

// History is the optional job-history capability. GetJob returns (nil, nil)
// when the job does not exist.
type History interface {
	GetJob(ctx context.Context, uid string) (*HistoryJob, error)
	ModifyJob(ctx context.Context, uid, filename string, auxiliaryData map[string]any) error
}

// JobStats is the lifecycle-event payload reported by the print server.
type JobStats struct {
	State    string `json:"state"`
	Filename string `json:"filename"`
	JobID    string `json:"job_id"`
}

// PrintRecord tracks one active substituted print. The registry is keyed by
// SymlinkFilename, so at most one record exists per symlink at any time.
type PrintRecord struct {
	OriginalFilename string
	TempFilename     string
	SymlinkFilename  string
	Modifications    []string
	StartTime        time.Time
	JobID            string
	TrackerID        int64

	// memoryOnly is decided once, when the durable insert fails; every later
	// tracker call for the record is skipped, and the record keeps working
	// without crash recovery.
	memoryOnly bool
}

type Options struct {
	GcodesDir       string
	TempDir         string
	SymlinkDir      string
	CleanupDelay    time.Duration
	MaxContentBytes int64
	Disabled        bool
	Tracker         Tracker
	Runner          GCodeRunner
	History         History
	Logger          Logger
}

// Manager owns the modified-print lifecycle: path validation, symlink
// substitution, the active-print registry, durable tracking, history patching
// and cleanup scheduling. All registry access goes through its mutex because
// HTTP handlers and the event reader run on separate goroutines.
type Manager struct {
	gcodesDir       string
	tempDir         string
	symlinkDir      string
	cleanupDelay    time.Duration
	maxContentBytes int64
	disabled        bool

	tracker Tracker
	runner  GCodeRunner
	history History
	logger  Logger

	mu     sync.Mutex
	active map[string]*PrintRecord

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.GcodesDir) == "" {
		return nil, fmt.Errorf("%w: gcodes directory is required", ErrInvalidInput)
	}
	if opts.TempDir == "" {
		opts.TempDir = defaultTempDirName
	}
	if opts.SymlinkDir == "" {
		opts.SymlinkDir = defaultSymlinkDirName
	}
	if err := validateDirSegment(opts.TempDir); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	if err := validateDirSegment(opts.SymlinkDir); err != nil {
		return nil, fmt.Errorf("symlink dir: %w", err)
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = defaultCleanupDelay
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = defaultMaxContent
	}
	if opts.Tracker == nil {
		opts.Tracker = NewMemoryTracker()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	gcodesDir := filepath.Clean(opts.GcodesDir)
	for _, dir := range []string{gcodesDir, filepath.Join(gcodesDir, opts.TempDir), filepath.Join(gcodesDir, opts.SymlinkDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &Manager{
		gcodesDir:       gcodesDir,
		tempDir:         opts.TempDir,
		symlinkDir:      opts.SymlinkDir,
		cleanupDelay:    opts.CleanupDelay,
		maxContentBytes: opts.MaxContentBytes,
		disabled:        opts.Disabled,
		tracker:         opts.Tracker,
		runner:          opts.Runner,
		history:         opts.History,
		logger:          opts.Logger,
		active:          map[string]*PrintRecord{},
		now:             func() time.Time { return time.Now().UTC() },
		afterFunc:       time.AfterFunc,
	}, nil
}

func validateDirSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidInput)
	}
	if strings.ContainsAny(segment, `/\`) {
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidInput)
	}
	return nil
}

type CreateModifiedPrintRequest struct {
	OriginalFilename string   `json:"original_filename"`
	TempFilePath     string   `json:"temp_file_path,omitempty"`
	Content          string   `json:"content,omitempty"`
	Modifications    []string `json:"modifications,omitempty"`
	CopyMetadata     bool     `json:"copy_metadata"`
}

type CreateModifiedPrintResponse struct {
	OriginalFilename string `json:"original_filename"`
	PrintFilename    string `json:"print_filename"`
	TempFilename     string `json:"temp_filename"`
	Status           string `json:"status"`
}

// CreateModifiedPrint validates the request, resolves the substitute content,
// mirrors thumbnails, creates the filename alias, records the print and starts
// it. Any failure after an artifact was created rolls that artifact back
// before the error is returned.
func (m *Manager) CreateModifiedPrint(ctx context.Context, req CreateModifiedPrintRequest) (CreateModifiedPrintResponse, error) {
	var resp CreateModifiedPrintResponse
	if m.disabled {
		return resp, fmt.Errorf("%w: modified-print handling is turned off", ErrDisabled)
	}
	if err := ValidateFilename(req.OriginalFilename); err != nil {
		return resp, err
	}
	hasReference := strings.TrimSpace(req.TempFilePath) != ""
	hasContent := req.Content != ""
	if hasReference == hasContent {
		return resp, fmt.Errorf("%w: exactly one of temp_file_path or content is required", ErrInvalidInput)
	}

	originalPath := filepath.Join(m.gcodesDir, req.OriginalFilename)
	originalInfo, err := os.Lstat(originalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return resp, fmt.Errorf("%w: original file %s", ErrNotFound, req.OriginalFilename)
	}
	if err != nil {
		return resp, fmt.Errorf("%w: stat original: %v", ErrInvalidInput, err)
	}
	if originalInfo.Mode()&fs.ModeSymlink != 0 {
		return resp, fmt.Errorf("%w: original file cannot be a symlink", ErrInvalidInput)
	}
	if _, err := ResolveWithinRoot(originalPath, m.gcodesDir); err != nil {
		return resp, err
	}

	var tempFilename string
	if hasReference {
		if err := ValidateFilename(req.TempFilePath); err != nil {
			return resp, err
		}
		tempPath := filepath.Join(m.gcodesDir, req.TempFilePath)
		if _, err := os.Lstat(tempPath); errors.Is(err, fs.ErrNotExist) {
			return resp, fmt.Errorf("%w: temp file %s; upload the substitute first", ErrNotFound, req.TempFilePath)
		} else if err != nil {
			return resp, fmt.Errorf("%w: stat temp file: %v", ErrInvalidInput, err)
		}
		if _, err := ResolveWithinRoot(tempPath, m.gcodesDir); err != nil {
			return resp, err
		}
		tempFilename = req.TempFilePath
	} else {
		if int64(len(req.Content)) > m.maxContentBytes {
			return resp, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrContentTooLarge, len(req.Content), m.maxContentBytes)
		}
		tempFilename = m.tempDir + "/" + generateTempName(req.OriginalFilename)
		if err := writeTempContent(filepath.Join(m.gcodesDir, tempFilename), req.Content); err != nil {
			return resp, fmt.Errorf("write substitute content: %w", err)
		}
	}
	tempPath := filepath.Join(m.gcodesDir, tempFilename)

	if req.CopyMetadata {
		LinkThumbnails(m.gcodesDir, req.OriginalFilename, tempFilename, m.logger)
	}

	symlinkFilename := m.symlinkDir + "/" + filepath.Base(req.OriginalFilename)
	symlinkPath := filepath.Join(m.gcodesDir, symlinkFilename)
	if _, err := ResolveWithinRoot(filepath.Dir(symlinkPath), m.gcodesDir); err != nil {
		m.rollbackArtifacts(tempFilename, "")
		return resp, err
	}
	if err := CreateOrReplaceSymlink(symlinkPath, tempPath); err != nil {
		m.rollbackArtifacts(tempFilename, "")
		return resp, fmt.Errorf("failed to create symlink: %w", err)
	}
	m.logger.Printf("created symlink %s -> %s", symlinkFilename, tempFilename)

	record := &PrintRecord{
		OriginalFilename: req.OriginalFilename,
		TempFilename:     tempFilename,
		SymlinkFilename:  symlinkFilename,
		Modifications:    append([]string(nil), req.Modifications...),
		StartTime:        m.now(),
	}
	m.mu.Lock()
	m.active[symlinkFilename] = record
	m.mu.Unlock()

	trackerID, err := m.tracker.Insert(ctx, &TrackedPrint{
		OriginalFilename: record.OriginalFilename,
		TempFilename:     record.TempFilename,
		SymlinkFilename:  record.SymlinkFilename,
		Modifications:    record.Modifications,
		CreatedAt:        record.StartTime,
		Status:           StatusActive,
	})
	if err != nil {
		record.memoryOnly = true
		m.logger.Printf("failed to persist print record for %s, continuing with memory-only tracking: %v", symlinkFilename, err)
	} else {
		record.TrackerID = trackerID
	}

	if err := m.startPrint(ctx, symlinkFilename); err != nil {
		m.mu.Lock()
		delete(m.active, symlinkFilename)
		m.mu.Unlock()
		m.rollbackArtifacts(tempFilename, symlinkFilename)
		return resp, fmt.Errorf("failed to start print: %w", err)
	}
	m.logger.Printf("started print %s (original %s)", symlinkFilename, req.OriginalFilename)

	return CreateModifiedPrintResponse{
		OriginalFilename: req.OriginalFilename,
		PrintFilename:    symlinkFilename,
		TempFilename:     tempFilename,
		Status:           "printing",
	}, nil
}

func (m *Manager) startPrint(ctx context.Context, symlinkFilename string) error {
	if m.runner == nil {
		return fmt.Errorf("print engine unavailable")
	}
	script := fmt.Sprintf(`SDCARD_PRINT_FILE FILENAME="%s"`, escapeGCodeString(symlinkFilename))
	return m.runner.RunScript(ctx, script)
}

// rollbackArtifacts removes whatever a failed workflow already created. The
// temp file is removed even when the client uploaded it: a substitute that
// never printed has no other owner.
func (m *Manager) rollbackArtifacts(tempFilename, symlinkFilename string) {
	if symlinkFilename != "" {
		if err := RemoveSymlinkIfPresent(filepath.Join(m.gcodesDir, symlinkFilename)); err != nil {
			m.logger.Printf("rollback: failed to remove symlink %s: %v", symlinkFilename, err)
		}
	}
	if tempFilename != "" {
		if err := removeFileIfPresent(filepath.Join(m.gcodesDir, tempFilename)); err != nil {
			m.logger.Printf("rollback: failed to remove temp file %s: %v", tempFilename, err)
		}
		CleanupThumbnailLinks(m.gcodesDir, tempFilename, m.logger)
	}
}

// HandleJobStateChanged reconciles an external lifecycle event against the
// registry. Events for unregistered filenames are logged and discarded.
func (m *Manager) HandleJobStateChanged(ctx context.Context, prev, cur JobStats) {
	if !strings.HasPrefix(cur.Filename, m.symlinkDir+"/") {
		return
	}
	m.mu.Lock()
	record, ok := m.active[cur.Filename]
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("ignoring %s event for unknown modified file %s", cur.State, cur.Filename)
		return
	}

	if cur.State == "printing" && cur.JobID != "" {
		m.mu.Lock()
		record.JobID = cur.JobID
		memoryOnly := record.memoryOnly
		m.mu.Unlock()
		if !memoryOnly {
			if err := m.tracker.SetJobID(ctx, record.TempFilename, cur.JobID); err != nil {
				m.logger.Printf("failed to persist job id %s: %v", cur.JobID, err)
			}
		}
		m.logger.Printf("job %s started for %s", cur.JobID, cur.Filename)
	}

	switch cur.State {
	case "complete", "cancelled", "error":
		m.logger.Printf("job finished (%s): %s", cur.State, cur.Filename)
		m.patchHistory(ctx, record)
		m.scheduleCleanup(ctx, record)
		m.mu.Lock()
		delete(m.active, cur.Filename)
		m.mu.Unlock()
	}
}

// SetHistory installs the history capability once an asynchronous probe
// resolves. Prints that finish before it lands patch nothing, same as a
// server without the component.
func (m *Manager) SetHistory(h History) {
	m.mu.Lock()
	m.history = h
	m.mu.Unlock()
}

// HandleKlippyReady is the idle recovery hook: a freshly readied printer means
// any print interrupted by the restart will never reach a terminal event, so
// overdue rows are re-checked the same way startup reconciliation does.
func (m *Manager) HandleKlippyReady(ctx context.Context) {
	m.logger.Printf("printer ready, checking for overdue cleanup")
	if _, err := m.Reconcile(ctx, m.now()); err != nil {
		m.logger.Printf("idle recovery reconciliation failed: %v", err)
	}
}

type StatusInfo struct {
	Enabled             bool   `json:"enabled"`
	GcodesDir           string `json:"gcodes_dir"`
	TempDir             string `json:"temp_dir"`
	SymlinkDir          string `json:"symlink_dir"`
	CleanupDelaySeconds int64  `json:"cleanup_delay_seconds"`
	MaxContentBytes     int64  `json:"max_content_bytes"`
	ActivePrints        int    `json:"active_prints"`
	FreeBytes           uint64 `json:"free_bytes"`
	Version             string `json:"version"`
}

func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	activePrints := len(m.active)
	m.mu.Unlock()
	free, err := freeDiskBytes(m.gcodesDir)
	if err != nil {
		free = 0
	}
	return StatusInfo{
		Enabled:             !m.disabled,
		GcodesDir:           m.gcodesDir,
		TempDir:             m.tempDir,
		SymlinkDir:          m.symlinkDir,
		CleanupDelaySeconds: int64(m.cleanupDelay / time.Second),
		MaxContentBytes:     m.maxContentBytes,
		ActivePrints:        activePrints,
		FreeBytes:           free,
		Version:             Version,
	}
}

func (m *Manager) Close() error {
	return m.tracker.Close()
}

func escapeGCodeString(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	return strings.ReplaceAll(s, `'`, "")
}

func generateTempName(originalName string) string {
	ext := filepath.Ext(originalName)
	return fmt.Sprintf("%s_mod_%s%s", fileStem(originalName), uuid.NewString()[:8], ext)
}

// writeTempContent writes inline substitute content with the usual durable
// pattern: temp file, fsync, atomic rename.
func writeTempContent(path, content string) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

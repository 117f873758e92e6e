// Package session holds the per-browser-session state of the analysis app:
// configuration, loaded tables, the built agent, the transcript and the
// tool-invocation log.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/datalab/internal/agent"
	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/table"
	"github.com/ashureev/datalab/internal/turn"
)

// Status hints.
const (
	StatusReady     = "Agent 就绪"
	StatusNeedsKey  = "请输入 API Key"
	StatusNeedsData = "请上传数据文件"
)

const previewHeadRows = 5

var (
	// ErrNoAgent is returned by Chat when no agent is built.
	ErrNoAgent = errors.New("请先配置 API Key 并上传数据文件")
	// ErrEmptyReportRequest is returned for a blank report request.
	ErrEmptyReportRequest = errors.New("请输入报告需求")
	// ErrTurnInProgress is returned when another turn of the session is running.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	// ErrTableNotFound is returned by Preview for an unknown table.
	ErrTableNotFound = errors.New("table not found")
	// ErrNoFiles is returned by Upload when no file was given.
	ErrNoFiles = errors.New("no files uploaded")
)

// Builder builds an agent for a configuration.
type Builder interface {
	Build(ctx context.Context, cfg agent.BuildConfig) (*agent.Handle, error)
}

// MemoryPurger deletes the agent memory of a session.
type MemoryPurger interface {
	DeleteScope(ctx context.Context, scope string) (int64, error)
}

// Dirs are the per-session directories.
type Dirs struct {
	// Out is the output directory (CHART_DIR) of generated artifacts.
	Out string
	// Uploads holds uploaded source files.
	Uploads string
}

// Options configure a State.
type Options struct {
	Key       string
	Dirs      Dirs
	Builder   Builder
	Providers *provider.Registry
	Memory    MemoryPurger
}

// Config is the LLM configuration of a session.
type Config struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential,omitempty"`
	Model      string `json:"model"`
	BaseURL    string `json:"base_url"`
}

// File is one uploaded file.
type File struct {
	Name string
	Data io.Reader
}

// Fingerprint identifies a configuration.
func Fingerprint(c Config) string {
	sum := md5.Sum([]byte(strings.Join([]string{c.Provider, c.Credential, c.Model, c.BaseURL}, "|")))
	return hex.EncodeToString(sum[:])
}

// State is the state of one browser session. All methods are safe for
// concurrent use; turns are serialized and state-changing calls made while
// a turn runs fail with ErrTurnInProgress.
type State struct {
	opts Options

	// turnMu is held for the whole of a turn or report run.
	turnMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	config      Config
	applied     string
	all         *table.Store
	selected    *table.Store
	handle      *agent.Handle
	buildErr    error
	transcript  []domain.TranscriptEntry
	toolLog     []domain.ToolLogEntry
	generating  bool
	request     string
	lastActive  time.Time
}

// New returns an uninitialized state.
func New(opts Options) *State {
	if opts.Providers == nil {
		opts.Providers = provider.Default()
	}
	return &State{opts: opts, all: table.NewStore(), selected: table.NewStore(), lastActive: time.Now()}
}

// Key returns the session key.
func (s *State) Key() string { return s.opts.Key }

// Dirs returns the session directories.
func (s *State) Dirs() Dirs { return s.opts.Dirs }

// Initialize fills configuration defaults and purges the output directory.
// Only the first call has any effect.
func (s *State) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.initialized = true

	def := s.opts.Providers.DefaultProvider()
	s.config = Config{Provider: def.Name, Model: def.DefaultModel}

	if err := os.RemoveAll(s.opts.Dirs.Out); err != nil {
		return fmt.Errorf("purge output directory: %w", err)
	}
	if err := os.MkdirAll(s.opts.Dirs.Out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

// ConfigurationChanged reports whether the current configuration differs
// from the one the agent was last built with.
func (s *State) ConfigurationChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configurationChanged()
}

func (s *State) configurationChanged() bool {
	return Fingerprint(s.config) != s.applied
}

// CommitConfiguration records the current configuration as applied.
func (s *State) CommitConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked()
}

func (s *State) commitLocked() {
	s.applied = Fingerprint(s.config)
}

// ApplyConfig updates the configuration and rebuilds the agent when it
// changed and a credential is set. An empty credential drops the agent and
// the applied fingerprint, so entering the same key again rebuilds.
func (s *State) ApplyConfig(ctx context.Context, in Config) error {
	if !s.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	p, err := s.opts.Providers.Lookup(strings.TrimSpace(in.Provider))
	if err != nil {
		return err
	}
	cfg := Config{
		Provider:   p.Name,
		Credential: strings.TrimSpace(in.Credential),
		Model:      strings.TrimSpace(in.Model),
	}
	if cfg.Model == "" {
		cfg.Model = p.DefaultModel
	}
	if cfg.Credential == "" {
		cfg.Credential = p.CredentialFromEnv()
	}
	cfg.BaseURL = p.ResolveBaseURL(in.BaseURL)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.config = cfg
	if cfg.Credential == "" {
		s.handle = nil
		s.buildErr = nil
		s.applied = ""
		return nil
	}
	if !s.configurationChanged() {
		return nil
	}
	return s.rebuild(ctx)
}

// rebuild builds the agent for the current configuration and selection and
// commits the configuration on success. s.mu must be held.
func (s *State) rebuild(ctx context.Context) error {
	p, err := s.opts.Providers.Lookup(s.config.Provider)
	if err != nil {
		return err
	}
	h, err := s.opts.Builder.Build(ctx, agent.BuildConfig{
		Provider:   p,
		Credential: s.config.Credential,
		Model:      s.config.Model,
		BaseURL:    s.config.BaseURL,
		Tables:     s.selected,
		OutDir:     s.opts.Dirs.Out,
		DataDir:    s.opts.Dirs.Uploads,
		Scope:      s.opts.Key,
	})
	if err != nil {
		s.handle = nil
		s.buildErr = err
		s.applied = ""
		slog.Warn("Agent build failed", "session", s.opts.Key, "provider", p.Name, "error", err)
		return fmt.Errorf("build agent: %w", err)
	}
	s.handle = h
	s.buildErr = nil
	s.commitLocked()
	return nil
}

// Upload parses files into tables, replacing tables of files with the same
// name, and selects every loaded table. It returns the names of the new
// tables.
func (s *State) Upload(ctx context.Context, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if !s.turnMu.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	if err := os.MkdirAll(s.opts.Dirs.Uploads, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	// Files are parsed from temporary copies and only renamed over the
	// previous upload once the whole batch parsed.
	type parsed struct {
		name   string
		tmp    string
		path   string
		tables []*table.Table
	}
	var results []parsed
	defer func() {
		for _, r := range results {
			if r.tmp != "" {
				_ = os.Remove(r.tmp)
			}
		}
	}()
	var added []string
	for _, f := range files {
		name := filepath.Base(f.Name)
		if _, err := table.FormatOf(name); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		tmp, err := saveTemp(s.opts.Dirs.Uploads, name, f.Data)
		if err != nil {
			return nil, err
		}
		r := parsed{name: name, tmp: tmp, path: filepath.Join(s.opts.Dirs.Uploads, name)}
		results = append(results, r)
		tables, err := table.ParseFile(tmp, name)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			t.Source = r.path
			added = append(added, t.Name)
		}
		results[len(results)-1].tables = tables
	}
	for i, r := range results {
		if err := os.Rename(r.tmp, r.path); err != nil {
			return nil, fmt.Errorf("save upload: %w", err)
		}
		results[i].tmp = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	all := s.all
	for _, r := range results {
		all = all.ReplaceFile(r.name, r.tables)
	}
	s.all = all
	slog.Info("Tables loaded", "session", s.opts.Key, "files", len(files), "tables", all.Len())
	return added, s.selectLocked(ctx, all.Names(), true)
}

// saveTemp writes r to a new file in dir that keeps the extension of name.
func saveTemp(dir, name string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(dir, ".upload-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("save upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("save upload: %w", err)
	}
	return f.Name(), nil
}

// SelectTables chooses the tables the agent analyses and rebuilds the agent
// when the selection changed and a credential is set.
func (s *State) SelectTables(ctx context.Context, names []string) error {
	if !s.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.selectLocked(ctx, names, false)
}

// selectLocked sets the selection. reload rebuilds even when the names are
// unchanged, for re-uploaded files. s.mu must be held.
func (s *State) selectLocked(ctx context.Context, names []string, reload bool) error {
	next := s.all.Select(names)
	if !reload && next.SameNames(s.selected) {
		return nil
	}
	s.selected = next
	if s.config.Credential == "" {
		return nil
	}
	return s.rebuild(ctx)
}

// Preview returns the data overview of a loaded table.
func (s *State) Preview(name string) (table.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.all.Get(name)
	if !ok {
		return table.Summary{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t.Summarize(previewHeadRows), nil
}

// Clear drops the tables, transcript, log, agent, its memory and every
// generated file. The configuration and the applied fingerprint are kept.
func (s *State) Clear(ctx context.Context) error {
	if !s.turnMu.TryLock() {
		return ErrTurnInProgress
	}
	defer s.turnMu.Unlock()
	return s.clear(ctx)
}

func (s *State) clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = table.NewStore()
	s.selected = table.NewStore()
	s.handle = nil
	s.buildErr = nil
	s.transcript = nil
	s.toolLog = nil
	s.generating = false
	s.request = ""

	var errs []error
	for _, dir := range []string{s.opts.Dirs.Out, s.opts.Dirs.Uploads} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.Memory != nil {
		if _, err := s.opts.Memory.DeleteScope(ctx, s.opts.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete agent memory: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StatusHint describes what the session still needs.
func (s *State) StatusHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusHint()
}

func (s *State) statusHint() string {
	switch {
	case s.handle != nil:
		return StatusReady
	case s.config.Credential == "":
		return StatusNeedsKey
	case s.selected.Len() == 0:
		return StatusNeedsData
	default:
		return ""
	}
}

// ChatResult is the outcome of a chat turn.
type ChatResult struct {
	Turn      turn.Result
	Artifacts artifact.Listing
}

// Chat runs one turn. The user and assistant entries are appended to the
// transcript and the turn's tool entries to the log.
func (s *State) Chat(ctx context.Context, prompt string, hooks turn.Hooks) (ChatResult, error) {
	if !s.turnMu.TryLock() {
		return ChatResult{}, ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return ChatResult{}, ErrNoAgent
	}
	s.touch()
	s.transcript = append(s.transcript, domain.NewTranscriptEntry(domain.RoleUser, prompt))
	s.mu.Unlock()

	res := turn.Run(ctx, h.Runner, prompt, hooks)
	if res.Err != nil {
		slog.Warn("Turn failed", "session", s.opts.Key, "agent_id", h.ID, "error", res.Err)
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, domain.NewTranscriptEntry(domain.RoleAssistant, res.Text))
	s.toolLog = append(s.toolLog, res.Entries...)
	s.touch()
	s.mu.Unlock()

	listing, err := artifact.Scan(s.opts.Dirs.Out)
	if err != nil {
		slog.Warn("Artifact scan failed", "session", s.opts.Key, "error", err)
	}
	return ChatResult{Turn: res, Artifacts: listing}, nil
}

// RequestReport records a report request and marks the report as pending.
func (s *State) RequestReport(request string) error {
	request = strings.TrimSpace(request)
	if request == "" {
		return ErrEmptyReportRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.generating = true
	s.request = request
	return nil
}

// ReportGenerating reports whether a report is pending or running.
func (s *State) ReportGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// GenerateReport runs the pending report request. The pending flag is
// cleared whatever the outcome; with no agent nothing is run.
func (s *State) GenerateReport(ctx context.Context, hooks turn.Hooks) (turn.ReportResult, error) {
	if !s.turnMu.TryLock() {
		return turn.ReportResult{}, ErrTurnInProgress
	}
	defer s.turnMu.Unlock()

	s.mu.Lock()
	h, request, pending := s.handle, s.request, s.generating
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.generating = false
		s.request = ""
		s.mu.Unlock()
	}()

	if h == nil {
		return turn.ReportResult{}, ErrNoAgent
	}
	if !pending || request == "" {
		return turn.ReportResult{}, ErrEmptyReportRequest
	}

	res := turn.GenerateReport(ctx, h.Runner, request, s.opts.Dirs.Out, hooks)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.toolLog = append(s.toolLog, res.Turn.Entries...)
	if res.Found() {
		s.transcript = append(s.transcript,
			domain.NewTranscriptEntry(domain.RoleUser, turn.ReportRequestPrefix+request),
			domain.NewTranscriptEntry(domain.RoleAssistant, turn.ReportDoneMessage),
		)
	} else {
		slog.Warn("Report not generated", "session", s.opts.Key, "warning", res.Warning)
	}
	return res, nil
}

// Transcript returns a copy of the transcript.
func (s *State) Transcript() []domain.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), s.transcript...)
}

// ToolLog returns a copy of the tool-invocation log.
func (s *State) ToolLog() []domain.ToolLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ToolLogEntry(nil), s.toolLog...)
}

// Artifacts scans the output directory.
func (s *State) Artifacts() (artifact.Listing, error) {
	return artifact.Scan(s.opts.Dirs.Out)
}

// Snapshot is a read-only summary of a session.
type Snapshot struct {
	Config           Config                   `json:"config"`
	HasCredential    bool                     `json:"has_credential"`
	MaskedCredential string                   `json:"masked_credential,omitempty"`
	Status           string                   `json:"status"`
	BuildError       string                   `json:"build_error,omitempty"`
	Agent            *AgentInfo               `json:"agent,omitempty"`
	Tables           []string                 `json:"tables"`
	Selected         []string                 `json:"selected"`
	Transcript       []domain.TranscriptEntry `json:"transcript"`
	ToolLog          []domain.ToolLogEntry    `json:"tool_log"`
	ReportGenerating bool                     `json:"report_generating"`
}

// AgentInfo describes the built agent.
type AgentInfo struct {
	ID       string        `json:"id"`
	Variant  agent.Variant `json:"variant"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
}

// Snapshot returns the current summary. The credential is never included.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.config
	cfg.Credential = ""
	snap := Snapshot{
		Config:           cfg,
		HasCredential:    s.config.Credential != "",
		MaskedCredential: MaskCredential(s.config.Credential),
		Status:           s.statusHint(),
		Tables:           s.all.Names(),
		Selected:         s.selected.Names(),
		Transcript:       append([]domain.TranscriptEntry{}, s.transcript...),
		ToolLog:          append([]domain.ToolLogEntry{}, s.toolLog...),
		ReportGenerating: s.generating,
	}
	if s.buildErr != nil {
		snap.BuildError = s.buildErr.Error()
	}
	if s.handle != nil {
		snap.Agent = &AgentInfo{ID: s.handle.ID, Variant: s.handle.Variant, Provider: s.handle.Provider, Model: s.handle.Model}
	}
	if snap.Tables == nil {
		snap.Tables = []string{}
	}
	if snap.Selected == nil {
		snap.Selected = []string{}
	}
	return snap
}

// MaskCredential hides all but the ends of a credential, e.g. "sk-1…abcd".
func MaskCredential(c string) string {
	r := []rune(c)
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 8:
		return strings.Repeat("*", len(r))
	default:
		return string(r[:4]) + "…" + string(r[len(r)-4:])
	}
}

// LastActive returns the time of the last state-changing call.
func (s *State) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Busy reports whether a turn is running.
func (s *State) Busy() bool {
	if s.turnMu.TryLock() {
		s.turnMu.Unlock()
		return false
	}
	return true
}

func (s *State) touch() { s.lastActive = time.Now() }

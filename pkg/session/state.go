package session

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// WriteHint is the engine's pre-call classification of a tool.
type WriteHint string

const (
	HintReadOnly WriteHint = "read_only"
	HintMayWrite WriteHint = "may_write"
	HintUnknown  WriteHint = "unknown"
)

// WriteOp is one recorded file mutation.
type WriteOp struct {
	Tool    string `json:"tool"`
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
	Turn    int    `json:"turn"`
}

// Plan is a proposed task breakdown captured by plan mode.
type Plan struct {
	Title string   `json:"title"`
	Steps []string `json:"steps,omitempty"`
}

// State carries one conversation's counters and logs. HasWrites is
// monotonic for the life of the session: once any tool writes, only a full
// Reset clears it.
type State struct {
	mu sync.Mutex

	id                   string
	hasWriteToolCall     bool
	currentWriteHint     WriteHint
	writeOps             []WriteOp
	verificationAttempts int
	finishWarned         bool
	iteration            int

	fullAccess  bool
	planMode    bool
	activeSkill string
	plan        *Plan
}

func NewState() *State {
	return &State{
		id:               "sess_" + ulid.MustNew(ulid.Now(), rand.Reader).String(),
		currentWriteHint: HintUnknown,
	}
}

func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// RecordWriteAction logs one file mutation and latches the write flag.
func (s *State) RecordWriteAction(tool, path, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWriteToolCall = true
	s.writeOps = append(s.writeOps, WriteOp{
		Tool: tool, Path: path, Summary: summary, Turn: s.iteration,
	})
}

// HasWrites reports whether any tool call in this session wrote a file.
func (s *State) HasWrites() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasWriteToolCall
}

// WriteLog returns a copy of the recorded write operations.
func (s *State) WriteLog() []WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteOp, len(s.writeOps))
	copy(out, s.writeOps)
	return out
}

// SetWriteHint records the hint computed for the tool about to run.
func (s *State) SetWriteHint(h WriteHint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentWriteHint = h
}

func (s *State) WriteHint() WriteHint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWriteHint
}

// VerificationAttempts reports how many blocking verifier rounds have run.
func (s *State) VerificationAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verificationAttempts
}

// IncVerificationAttempts bumps the counter and returns the new value.
func (s *State) IncVerificationAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verificationAttempts++
	return s.verificationAttempts
}

// MarkFinishWarned records that a no-write finish_task was already warned.
// Returns whether this was the first warning.
func (s *State) MarkFinishWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.finishWarned
	s.finishWarned = true
	return first
}

func (s *State) FinishWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishWarned
}

// SetIteration records the loop iteration tool calls are attributed to.
func (s *State) SetIteration(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration = n
}

func (s *State) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// SetFullAccess toggles approval-free execution of high-risk operations.
func (s *State) SetFullAccess(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullAccess = v
}

func (s *State) FullAccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullAccess
}

// SetPlanMode toggles plan interception of task_create.
func (s *State) SetPlanMode(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planMode = v
}

func (s *State) PlanMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planMode
}

// SetActiveSkill records the skill pack the session runs under.
func (s *State) SetActiveSkill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSkill = name
}

func (s *State) ActiveSkill() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSkill
}

// SetPlan stores a proposed plan; Plan returns it.
func (s *State) SetPlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

func (s *State) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Reset clears everything for a fresh conversation, including the
// monotonic write flag.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWriteToolCall = false
	s.currentWriteHint = HintUnknown
	s.writeOps = nil
	s.verificationAttempts = 0
	s.finishWarned = false
	s.iteration = 0
	s.plan = nil
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// Config tunes the coordinator.
type Config struct {
	// HuddleTimeout is how long a huddle may stay unanswered.
	HuddleTimeout time.Duration
	// Tick is the watchdog interval for expiring huddles.
	Tick time.Duration
	// MaxResumes bounds needs-guidance round trips for one step.
	MaxResumes int
}

// DefaultConfig returns the built-in coordinator settings.
func DefaultConfig() Config {
	return Config{
		HuddleTimeout: 2 * time.Minute,
		Tick:          5 * time.Second,
		MaxResumes:    3,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLeases shares a lease table between coordinators.
func WithLeases(l *Leases) Option {
	return func(c *Coordinator) { c.leases = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs dispatches.
type Coordinator struct {
	backend Backend
	git     Git
	mutator Mutator
	cfg     Config
	leases  *Leases
	logger  Logger
	now     func() time.Time
	faults  chan FaultReport
	huddles *huddleBoard
}

// New creates a Coordinator. git and mutator may be nil when no agent
// needs them.
func New(backend Backend, git Git, mutator Mutator, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.HuddleTimeout <= 0 {
		cfg.HuddleTimeout = def.HuddleTimeout
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MaxResumes <= 0 {
		cfg.MaxResumes = def.MaxResumes
	}
	c := &Coordinator{
		backend: backend,
		git:     git,
		mutator: mutator,
		cfg:     cfg,
		leases:  NewLeases(),
		logger:  nopLogger{},
		now:     time.Now,
		faults:  make(chan FaultReport, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.huddles = newHuddleBoard(cfg.HuddleTimeout, c.now, c.faults, c.logger)
	return c
}

// Run drives the huddle watchdog until ctx is done. An expired huddle is
// reported on Faults within one tick of its deadline.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.huddles.sweep()
		}
	}
}

// Faults returns liveness faults raised outside an agent's own turn.
func (c *Coordinator) Faults() <-chan FaultReport {
	return c.faults
}

// Answer delivers the single reply to an open huddle.
func (c *Coordinator) Answer(huddleID, text string) error {
	return c.huddles.answer(huddleID, text)
}

// PendingHuddles lists open huddles for an event.
func (c *Coordinator) PendingHuddles(eventID string) []Huddle {
	return c.huddles.pending(eventID)
}

// Leases returns the coordinator's lease table.
func (c *Coordinator) Leases() *Leases {
	return c.leases
}

// Execute runs the dispatch to completion and reduces the results. It
// returns an error only when the dispatch could not start or ctx was
// cancelled; agent failures are reported in the Outcome.
func (c *Coordinator) Execute(ctx context.Context, d Dispatch, opts Options) (Outcome, error) {
	if err := d.Plan.Validate(); err != nil {
		return Outcome{}, err
	}
	if d.ID == "" {
		d.ID = fmt.Sprintf("dsp-%s", uuid.New().String()[:8])
	}

	r := &run{
		c:              c,
		d:              d,
		opts:           opts,
		branch:         BranchFor(d.EventID),
		inbox:          make(map[models.Role][]Message),
		retryAvailable: opts.RetryAvailable,
	}
	if c.git != nil {
		r.guard = newBranchGuard(c.git, r.branch)
	}

	if !d.Plan.ReadOnly() {
		if err := c.leases.Acquire(r.branch, d.ID); err != nil {
			return Outcome{}, err
		}
		defer c.leases.Release(r.branch, d.ID)
	}

	out := Outcome{
		DispatchID: d.ID,
		Plan:       d.Plan,
		Branch:     r.branch,
		StartedAt:  c.now(),
	}
	c.logger.Log("[dispatch] %s for %s: %s", d.ID, d.EventID, d.Plan)

	switch d.Plan.Kind {
	case models.PlanPaired:
		r.paired(ctx, &out)
	default:
		r.sequential(ctx, &out)
	}

	r.reduce(&out)
	out.FinishedAt = c.now()
	c.logger.Log("[dispatch] %s finished: %s", d.ID, out.Status)

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// run is the state of one Execute call.
type run struct {
	c      *Coordinator
	d      Dispatch
	opts   Options
	branch string
	guard  *branchGuard

	mu             sync.Mutex
	inbox          map[models.Role][]Message
	fault          *models.Fault
	retryAvailable bool
	retryUsed      bool
	commits        []string
}

func (r *run) partnerOf(role models.Role) (models.Role, bool) {
	for _, s := range r.d.Plan.Steps {
		if s.Role != role {
			return s.Role, true
		}
	}
	return "", false
}

func (r *run) enqueue(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox[m.To] = append(r.inbox[m.To], m)
}

func (r *run) drain(role models.Role) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.inbox[role]
	delete(r.inbox, role)
	return msgs
}

// setFault keeps the first fault raised during the dispatch.
func (r *run) setFault(f *models.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault == nil {
		r.fault = f
	}
}

func (r *run) takeRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.retryAvailable {
		return false
	}
	r.retryAvailable = false
	r.retryUsed = true
	return true
}

func (r *run) addCommits(shas ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sha := range shas {
		if sha == "" {
			continue
		}
		dup := false
		for _, have := range r.commits {
			if have == sha {
				dup = true
				break
			}
		}
		if !dup {
			r.commits = append(r.commits, sha)
		}
	}
}

// sequential runs steps one after another. Each step starts only after the
// previous one finished, with a snapshot of every earlier result.
func (r *run) sequential(ctx context.Context, out *Outcome) {
	done := append([]models.TurnResult(nil), r.d.Context...)
	for i, step := range r.d.Plan.Steps {
		snapshot := append([]models.TurnResult(nil), done...)
		guidance := ""
		if i == 0 {
			guidance = r.d.Guidance
		}
		res, cancelled := r.runAgent(ctx, step, snapshot, guidance)
		if cancelled {
			out.Discarded = append(out.Discarded, step.Role)
			return
		}
		out.Results = append(out.Results, res)
		done = append(done, res)

		switch res.Status {
		case models.TurnBlocked:
			return
		case models.TurnPendingExternal:
			out.Remaining = append([]models.AgentStep(nil), r.d.Plan.Steps[i+1:]...)
			return
		}
	}
}

type agentResult struct {
	idx       int
	res       models.TurnResult
	cancelled bool
}

// paired starts both agents together. A blocked or pending-external result
// from either cancels the other and discards its in-flight turn.
func (r *run) paired(ctx context.Context, out *Outcome) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshot := append([]models.TurnResult(nil), r.d.Context...)
	ch := make(chan agentResult, len(r.d.Plan.Steps))
	for i, step := range r.d.Plan.Steps {
		go func(i int, step models.AgentStep) {
			res, cancelled := r.runAgent(pctx, step, snapshot, r.d.Guidance)
			ch <- agentResult{idx: i, res: res, cancelled: cancelled}
		}(i, step)
	}

	results := make([]*models.TurnResult, len(r.d.Plan.Steps))
	for n := 0; n < len(r.d.Plan.Steps); n++ {
		ar := <-ch
		if ar.cancelled {
			out.Discarded = append(out.Discarded, r.d.Plan.Steps[ar.idx].Role)
			continue
		}
		res := ar.res
		results[ar.idx] = &res
		if res.Status == models.TurnBlocked || res.Status == models.TurnPendingExternal {
			cancel()
		}
	}
	for _, res := range results {
		if res != nil {
			out.Results = append(out.Results, *res)
		}
	}
}

// runAgent runs one step, resuming it after each needs-guidance with the
// single huddle reply. cancelled is true when ctx ended the turn.
func (r *run) runAgent(ctx context.Context, step models.AgentStep, snapshot []models.TurnResult, guidance string) (models.TurnResult, bool) {
	sess := &session{run: r, role: step.Role}
	req := TurnRequest{
		EventID:    r.d.EventID,
		DispatchID: r.d.ID,
		Content:    r.d.Content,
		Branch:     r.branch,
		Step:       step,
		Context:    snapshot,
		Guidance:   guidance,
	}

	for {
		req.Inbox = r.drain(step.Role)
		res, err := r.c.backend.RunTurn(ctx, req, sess)
		if err != nil {
			if ctx.Err() != nil {
				return models.TurnResult{}, true
			}
			if isTransient(err) && r.takeRetry() {
				r.c.logger.Log("[dispatch] %s %s transient error, retrying once: %v", r.d.ID, step, err)
				continue
			}
			f := models.FaultOf(err)
			if f == nil {
				f = models.NewFault(models.FaultTransientExternal, "run "+step.String(), err)
			}
			r.setFault(f)
			return blockedResult(step, f), false
		}

		if res.Role == "" {
			res.Role = step.Role
		}
		if res.Mode == "" {
			res.Mode = step.Mode
		}
		if err := res.Validate(); err != nil {
			f := models.FaultOf(err)
			r.setFault(f)
			return blockedResult(step, f), false
		}
		r.addCommits(res.CommitSHAs...)

		if res.Status != models.TurnNeedsGuidance {
			return res, false
		}
		if req.Resume >= r.c.cfg.MaxResumes {
			f := models.NewFault(models.FaultLiveness, "run "+step.String(),
				fmt.Errorf("still needs guidance after %d replies", req.Resume))
			r.setFault(f)
			return blockedResult(step, f), false
		}

		reply, err := sess.Huddle(ctx, res.Question)
		if err != nil {
			if ctx.Err() != nil {
				return models.TurnResult{}, true
			}
			f := models.FaultOf(err)
			if f == nil {
				f = models.NewFault(models.FaultLiveness, "huddle", err)
			}
			r.setFault(f)
			return blockedResult(step, f), false
		}
		req.Guidance = reply
		req.Resume++
	}
}

func isTransient(err error) bool {
	f := models.FaultOf(err)
	return f == nil || f.Kind == models.FaultTransientExternal
}

func blockedResult(step models.AgentStep, f *models.Fault) models.TurnResult {
	return models.TurnResult{
		Role:    step.Role,
		Mode:    step.Mode,
		Status:  models.TurnBlocked,
		Content: f.Error(),
		Fault:   f,
	}
}

// reduce folds the per-agent results into the outcome status.
// blocked outranks pending-external, which outranks completed.
func (r *run) reduce(out *Outcome) {
	out.Status = models.TurnCompleted
	if len(out.Results) == 0 {
		out.Status = models.TurnBlocked
	}
	anyVerified := false
	for _, res := range out.Results {
		switch res.Status {
		case models.TurnBlocked:
			out.Status = models.TurnBlocked
		case models.TurnPendingExternal:
			if out.Status != models.TurnBlocked {
				out.Status = models.TurnPendingExternal
			}
			if res.WaitEstimate > out.WaitEstimate {
				out.WaitEstimate = res.WaitEstimate
			}
			if out.WaitReason == "" {
				out.WaitReason = res.WaitReason
			}
		}
		if res.Verified {
			anyVerified = true
		}
		if res.NeedsDecision && !out.NeedsDecision {
			out.NeedsDecision = true
			out.Question = res.Question
		}
	}
	if out.Status == models.TurnPendingExternal && out.WaitReason == "" {
		out.WaitReason = "external process"
	}
	out.Verified = out.Status == models.TurnCompleted && anyVerified

	r.mu.Lock()
	defer r.mu.Unlock()
	out.Fault = r.fault
	out.RetryUsed = r.retryUsed
	out.CommitSHAs = append([]string(nil), r.commits...)
	for _, msgs := range r.inbox {
		out.Undelivered = append(out.Undelivered, msgs...)
	}
}

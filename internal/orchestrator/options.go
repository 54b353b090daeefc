package orchestrator

import (
	"time"

	"github.com/ShayCichocki/opsbrain/internal/classify"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/internal/registry"
	"github.com/ShayCichocki/opsbrain/internal/state"
)

// RequiredConfig holds the dependencies the Brain cannot default.
type RequiredConfig struct {
	// Store persists events. The Brain does not close it.
	Store state.Store
	// Coordinator runs dispatches.
	Coordinator *dispatch.Coordinator
}

// Option configures a Brain. Use With* functions to create Options.
type Option func(*brainOptions)

type brainOptions struct {
	classifier    *classify.Classifier
	registry      *registry.Registry
	maintainer    string
	scheduler     *deferral.Scheduler
	oracle        oracle.Oracle
	notifier      Notifier
	logger        *DebugLogger
	now           func() time.Time
	maxDispatches int
	noticeBuffer  int
}

// WithClassifier sets the domain classifier. Default: classify.New().
func WithClassifier(c *classify.Classifier) Option {
	return func(o *brainOptions) { o.classifier = c }
}

// WithRegistry sets the agent roster. Default: registry.Default().
func WithRegistry(r *registry.Registry) Option {
	return func(o *brainOptions) { o.registry = r }
}

// WithMaintainer sets the notified user holding authority over
// autonomous events.
func WithMaintainer(id string) Option {
	return func(o *brainOptions) { o.maintainer = id }
}

// WithScheduler sets the deferral scheduler. The Brain registers its own
// wake callback on it.
func WithScheduler(s *deferral.Scheduler) Option {
	return func(o *brainOptions) { o.scheduler = s }
}

// WithOracle sets the decision oracle. It is always wrapped in a Guard.
// Default: the deterministic oracle.Policy.
func WithOracle(or oracle.Oracle) Option {
	return func(o *brainOptions) { o.oracle = or }
}

// WithNotifier sets the notification channel.
func WithNotifier(n Notifier) Option {
	return func(o *brainOptions) { o.notifier = n }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *brainOptions) { o.logger = l }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *brainOptions) { o.now = now }
}

// WithMaxDispatches bounds automatic dispatches between human inputs.
func WithMaxDispatches(n int) Option {
	return func(o *brainOptions) { o.maxDispatches = n }
}

// WithNoticeBuffer sets the notice channel buffer size.
func WithNoticeBuffer(n int) Option {
	return func(o *brainOptions) { o.noticeBuffer = n }
}

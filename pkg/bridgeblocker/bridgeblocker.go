// Package bridgeblocker implements the Bridge Blocker of spec.md §4.7: a
// user-count threshold watcher that transitions a global block/unblock
// state, exporting its current state via prometheus/client_golang following
// the same prometheus.MustRegister-once idiom as pkg/membershipqueue.
package bridgeblocker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// State is one of the two Bridge Blocker states.
type State string

const (
	StateUnblocked State = "unblocked"
	StateBlocked   State = "blocked"
)

var (
	blockedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "blocker",
		Name:      "blocked",
		Help:      "1 if the bridge is currently blocked, 0 otherwise",
	})
	userCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "blocker",
		Name:      "last_user_count",
		Help:      "The user count most recently passed to CheckLimits",
	})
	registerMetrics sync.Once
)

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(blockedGauge, userCountGauge)
	})
}

// Hooks are the overrides invoked on a state transition (spec.md §4.7).
type Hooks struct {
	BlockBridge   func() error
	UnblockBridge func() error
}

// Blocker is the state machine of spec.md §4.7.
type Blocker struct {
	limit int
	hooks Hooks
	log   *logrus.Entry

	mu    sync.Mutex
	state State
}

// New constructs a Blocker starting in StateUnblocked.
func New(limit int, hooks Hooks, log *logrus.Entry) *Blocker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Blocker{limit: limit, hooks: hooks, log: log, state: StateUnblocked}
}

// State returns the current block/unblock state.
func (b *Blocker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CheckLimits implements spec.md §4.7's transition table. Errors from the
// block/unblock overrides are logged and the state is left unchanged.
func (b *Blocker) CheckLimits(n int) {
	userCountGauge.Set(float64(n))

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case n > b.limit && b.state == StateUnblocked:
		if b.hooks.BlockBridge == nil {
			b.state = StateBlocked
			blockedGauge.Set(1)
			return
		}
		if err := b.hooks.BlockBridge(); err != nil {
			b.log.WithError(err).Warn("bridge blocker: blockBridge hook failed, state unchanged")
			return
		}
		b.state = StateBlocked
		blockedGauge.Set(1)
	case n <= b.limit && b.state == StateBlocked:
		if b.hooks.UnblockBridge == nil {
			b.state = StateUnblocked
			blockedGauge.Set(0)
			return
		}
		if err := b.hooks.UnblockBridge(); err != nil {
			b.log.WithError(err).Warn("bridge blocker: unblockBridge hook failed, state unchanged")
			return
		}
		b.state = StateUnblocked
		blockedGauge.Set(0)
	}
}

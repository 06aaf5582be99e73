package ha

import (
	"context"
	"log/slog"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// worker is a named background loop started only on the elected leader
// and stopped (via its context) the moment leadership is lost. The
// reconciliation manager and the job-log housekeeper are the two workers
// a reflectiond replica runs this way — both single-instance processes
// that would corrupt state or duplicate work if two replicas ran them at
// once.
type worker struct {
	name string
	run  func(ctx context.Context)
}

// LeaderElector manages Kubernetes Lease-based leader election gating
// reflectiond's single-instance background workers. Only the elected
// leader replica runs them; standby replicas stay idle, ready to pick up
// the lease the moment the current holder's renewal lapses.
type LeaderElector struct {
	config   *HAConfig
	client   kubernetes.Interface
	identity string
	isLeader bool
	mu       sync.RWMutex
	logger   *slog.Logger
	workers  []worker
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a new LeaderElector. The identity should be unique
// per replica (typically the pod name or hostname).
func NewLeaderElector(cfg *HAConfig, client kubernetes.Interface, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config:   cfg,
		client:   client,
		identity: identity,
		logger:   logger,
	}
}

// OnStartLeading registers a callback invoked when this instance becomes leader.
// The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// RunWhileLeader registers a named background loop to start, in its own
// goroutine, the moment this instance becomes leader, and to stop (via
// context cancellation) the moment leadership is lost. Multiple workers
// may be registered; each gets its own goroutine on every leadership gain
// so one worker's panic recovery or slow shutdown cannot delay another's
// start. Must be called before Run.
func (le *LeaderElector) RunWhileLeader(name string, run func(ctx context.Context)) {
	le.workers = append(le.workers, worker{name: name, run: run})
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Run starts leader election. It blocks until the context is cancelled.
// When this instance becomes leader, it calls the OnStartLeading callback.
// When leadership is lost, it calls OnStopLeading.
func (le *LeaderElector) Run(ctx context.Context) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.config.LeaseName,
			Namespace: le.config.LeaseNamespace,
		},
		Client: le.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.identity,
		},
	}

	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"namespace", le.config.LeaseNamespace,
		"leaseDuration", le.config.LeaseDuration,
		"renewDeadline", le.config.RenewDeadline,
		"retryPeriod", le.config.RetryPeriod,
	)

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   le.config.LeaseDuration,
		RenewDeadline:   le.config.RenewDeadline,
		RetryPeriod:     le.config.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: le.handleStartedLeading,
			OnStoppedLeading: le.handleStoppedLeading,
			OnNewLeader: func(identity string) {
				if identity != le.identity {
					le.logger.Info("new leader elected", "leader", identity)
				}
			},
		},
	})
}

// handleStartedLeading is the OnStartedLeading callback body, split out so
// it can be exercised directly without a real Kubernetes lease — the
// behavior under test is "what happens when leadership is gained", not
// client-go's own lease-acquisition mechanics.
func (le *LeaderElector) handleStartedLeading(ctx context.Context) {
	le.mu.Lock()
	le.isLeader = true
	le.mu.Unlock()
	le.logger.Info("elected as leader", "identity", le.identity)
	for _, w := range le.workers {
		w := w
		go func() {
			le.logger.Info("starting leader-only worker", "worker", w.name)
			w.run(ctx)
		}()
	}
	if le.onStart != nil {
		le.onStart(ctx)
	}
}

// handleStoppedLeading is the OnStoppedLeading callback body; see
// handleStartedLeading.
func (le *LeaderElector) handleStoppedLeading() {
	le.mu.Lock()
	le.isLeader = false
	le.mu.Unlock()
	le.logger.Info("lost leadership", "identity", le.identity)
	if le.onStop != nil {
		le.onStop()
	}
}

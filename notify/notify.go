// Package notify turns backup progress events and ledger queries into
// user-facing notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/location"
	"github.com/wolfeidau/appvault/metadata"
)

// PackageManagerLabel is shown for the package manager pseudo-package.
const PackageManagerLabel = "Package manager"

// Result describes a finished backup run.
type Result struct {
	Success bool
	// NotBackedUp counts non-system packages without a data backup. It is
	// only set when Success is true.
	NotBackedUp   int
	UserInitiated bool
}

// Notifier presents backup events to the user.
type Notifier interface {
	BackupUpdate(ctx context.Context, app string, transferred, expected int, userInitiated bool)
	BackupFinished(ctx context.Context, result Result)
	BackupError(ctx context.Context)
	RemovableStorageNotAvailableForRestore(ctx context.Context, pkg, storageName string)
}

// PackageCounter is the ledger query consulted when a run succeeds.
type PackageCounter interface {
	CountPackagesNotBackedUp(ctx context.Context) int
}

// Observer follows one backup run. It counts distinct packages in the order
// they are reported and forwards progress to a Notifier. It is safe for
// concurrent use.
type Observer struct {
	notifier      Notifier
	counter       PackageCounter
	expected      int
	userInitiated bool
	logger        *slog.Logger

	mu      sync.Mutex
	current string
	done    int
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithLogger sets the logger for the observer.
func WithLogger(logger *slog.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = logger
	}
}

// NewObserver starts observing a run of expected packages. The package
// manager pseudo-package is announced immediately since no update is
// reported for it.
func NewObserver(ctx context.Context, n Notifier, counter PackageCounter, expected int, userInitiated bool, opts ...ObserverOption) *Observer {
	o := &Observer{
		notifier:      n,
		counter:       counter,
		expected:      expected,
		userInitiated: userInitiated,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	n.BackupUpdate(ctx, AppName(metadata.PackageManagerName), 0, expected, userInitiated)
	return o
}

// OnUpdate reports progress of pkg. It may be called many times per package.
func (o *Observer) OnUpdate(ctx context.Context, pkg string) {
	o.progress(ctx, pkg)
}

// OnResult reports that pkg completed with status, zero meaning success.
// Results often arrive without a preceding update.
func (o *Observer) OnResult(ctx context.Context, pkg string, status int) {
	o.logger.Info("package backup completed", "package", pkg, "status", status)
	o.progress(ctx, pkg)
}

// BackupFinished reports the end of the run, status zero meaning success.
func (o *Observer) BackupFinished(ctx context.Context, status int) {
	done, expected := o.Progress()
	o.logger.Info("backup finished", "done", done, "expected", expected, "status", status)

	result := Result{Success: status == 0, UserInitiated: o.userInitiated}
	if result.Success {
		result.NotBackedUp = o.counter.CountPackagesNotBackedUp(ctx)
	}
	o.notifier.BackupFinished(ctx, result)
}

// Progress returns the number of packages seen so far and the number
// expected.
func (o *Observer) Progress() (done, expected int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done, o.expected
}

func (o *Observer) progress(ctx context.Context, pkg string) {
	o.mu.Lock()
	if o.current == pkg {
		o.mu.Unlock()
		return
	}
	o.current = pkg
	o.done++
	done := o.done
	o.mu.Unlock()

	o.notifier.BackupUpdate(ctx, AppName(pkg), done, o.expected, o.userInitiated)
}

// AppName returns the label shown for pkg.
func AppName(pkg string) string {
	if pkg == metadata.PackageManagerName {
		return PackageManagerLabel
	}
	return pkg
}

// ReportError surfaces a failed backup or restore step of pkg. An unreachable
// storage location names the location; every other failure is reported as
// a generic backup error. A nil err is ignored.
func ReportError(ctx context.Context, n Notifier, pkg string, err error) {
	if err == nil {
		return
	}
	var unavailable *location.UnavailableError
	if errors.As(err, &unavailable) {
		n.RemovableStorageNotAvailableForRestore(ctx, pkg, unavailable.Name)
		return
	}
	if appvault.KindOf(err) == appvault.KindContractViolation {
		slog.ErrorContext(ctx, "backup step rejected", "package", pkg, "error", err)
	}
	n.BackupError(ctx)
}

// LogNotifier renders notifications as structured log records.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) BackupUpdate(ctx context.Context, app string, transferred, expected int, userInitiated bool) {
	l.logger.InfoContext(ctx, "backup in progress",
		"app", app,
		"transferred", transferred,
		"expected", expected,
		"user_initiated", userInitiated)
}

func (l *LogNotifier) BackupFinished(ctx context.Context, result Result) {
	if !result.Success {
		l.logger.ErrorContext(ctx, "backup failed", "user_initiated", result.UserInitiated)
		return
	}
	l.logger.InfoContext(ctx, "backup finished",
		"not_backed_up", result.NotBackedUp,
		"user_initiated", result.UserInitiated)
}

func (l *LogNotifier) BackupError(ctx context.Context) {
	l.logger.ErrorContext(ctx, "backup error, check the storage location")
}

func (l *LogNotifier) RemovableStorageNotAvailableForRestore(ctx context.Context, pkg, storageName string) {
	l.logger.ErrorContext(ctx, "storage not available for restore",
		"package", pkg,
		"storage", storageName)
}

var _ Notifier = (*LogNotifier)(nil)

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/appvault/metadata"
	"github.com/wolfeidau/appvault/notify"
	"github.com/wolfeidau/appvault/settings"
)

var errNoBackupSet = errors.New("no backup set, run init first")

type StorageCmd struct {
	Set  StorageSetCmd  `cmd:"" help:"Choose the storage location."`
	Show StorageShowCmd `cmd:"" help:"Show the storage location."`
}

type StorageSetCmd struct {
	Name      string `arg:"" help:"Display name of the storage."`
	URI       string `arg:"" name:"uri" help:"Location of the storage: file:///path, s3://bucket/prefix."`
	Removable bool   `help:"The storage may be unplugged."`
}

func (c *StorageSetCmd) Run(e *env) error {
	store, err := openSettings(e)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetStorage(e.ctx, settings.Storage{Name: c.Name, URI: c.URI, Removable: c.Removable}); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "storage set to %s (%s)\n", c.Name, c.URI)
	return nil
}

type StorageShowCmd struct{}

func (c *StorageShowCmd) Run(e *env) error {
	store, err := openSettings(e)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Storage(e.ctx)
	if errors.Is(err, settings.ErrNotFound) {
		fmt.Fprintln(e.out, "no storage set")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "name:      %s\nuri:       %s\nremovable: %t\n", st.Name, st.URI, st.Removable)
	return nil
}

type InitCmd struct {
	Token uint64 `help:"Token of the new backup set, the current time in milliseconds if zero."`
}

func (c *InitCmd) Run(e *env) error {
	a, err := openApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	token := c.Token
	if token == 0 {
		token = uint64(time.Now().UnixMilli())
	}
	a.layout.Reset(token)
	err = a.commit(e.ctx, func(sink io.Writer) error {
		return a.ledger.InitializeDevice(e.ctx, token, sink)
	})
	if err != nil {
		notify.ReportError(e.ctx, a.notifier, metadata.PackageManagerName, err)
		return err
	}
	fmt.Fprintf(e.out, "initialized backup set %d on %s\n", token, a.layout.Authority(e.ctx))
	return nil
}

type BackupCmd struct {
	APK   BackupAPKCmd   `cmd:"" name:"apk" help:"Record a backed up APK."`
	Done  BackupDoneCmd  `cmd:"" help:"Record completed data backups."`
	Error BackupErrorCmd `cmd:"" help:"Record a failed data backup."`
}

type BackupAPKCmd struct {
	Package    string   `arg:"" help:"Package name."`
	Version    int64    `required:"" help:"Version code of the APK."`
	Installer  string   `help:"Package that installed the app."`
	SHA256     string   `name:"sha256" help:"Digest of the APK."`
	Signatures []string `name:"signature" help:"Signing certificate digests."`
	System     bool     `help:"The package is a system app."`
	NotAllowed bool     `name:"not-allowed" help:"The app does not allow backups."`
}

func (c *BackupAPKCmd) Run(e *env) error {
	a, err := openBackupApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	delta := metadata.PackageMetadata{
		Version:    metadata.Int64(c.Version),
		Installer:  c.Installer,
		SHA256:     c.SHA256,
		Signatures: c.Signatures,
	}
	if c.NotAllowed {
		delta.State = metadata.StateNotAllowed
	}
	pkg := metadata.PackageInfo{Name: c.Package, System: c.System}
	err = a.commit(e.ctx, func(sink io.Writer) error {
		return a.ledger.RecordAPKBackedUp(e.ctx, pkg, delta, sink)
	})
	if err != nil {
		notify.ReportError(e.ctx, a.notifier, c.Package, err)
		return err
	}
	fmt.Fprintf(e.out, "recorded apk of %s version %d\n", c.Package, c.Version)
	return nil
}

type BackupDoneCmd struct {
	Packages      []string `arg:"" help:"Packages whose data was backed up."`
	System        bool     `help:"The packages are system apps."`
	UserInitiated bool     `name:"user-initiated" help:"The run was started by the user."`
}

func (c *BackupDoneCmd) Run(e *env) error {
	a, err := openBackupApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	observer := notify.NewObserver(e.ctx, a.notifier, a.ledger, len(c.Packages), c.UserInitiated, notify.WithLogger(e.logger))
	var errs []error
	for _, name := range c.Packages {
		observer.OnUpdate(e.ctx, name)
		pkg := metadata.PackageInfo{Name: name, System: c.System}
		err := a.commit(e.ctx, func(sink io.Writer) error {
			return a.ledger.RecordPackageBackedUp(e.ctx, pkg, sink)
		})
		if err != nil {
			notify.ReportError(e.ctx, a.notifier, name, err)
			observer.OnResult(e.ctx, name, 1)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		observer.OnResult(e.ctx, name, 0)
	}

	status := 0
	if len(errs) > 0 {
		status = 1
	}
	observer.BackupFinished(e.ctx, status)
	return errors.Join(errs...)
}

type BackupErrorCmd struct {
	Package string `arg:"" help:"Package name."`
	State   string `help:"Failure state (${enum})." enum:"UNKNOWN_ERROR,NO_DATA,WAS_STOPPED,NOT_ALLOWED,QUOTA_EXCEEDED" default:"UNKNOWN_ERROR"`
	System  bool   `help:"The package is a system app."`
}

func (c *BackupErrorCmd) Run(e *env) error {
	state, err := metadata.ParseState(c.State)
	if err != nil {
		return err
	}
	a, err := openBackupApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	pkg := metadata.PackageInfo{Name: c.Package, System: c.System}
	err = a.commit(e.ctx, func(sink io.Writer) error {
		return a.ledger.RecordPackageBackupError(e.ctx, pkg, state, sink)
	})
	if err != nil {
		notify.ReportError(e.ctx, a.notifier, c.Package, err)
		return err
	}
	fmt.Fprintf(e.out, "recorded %s for %s\n", state, c.Package)
	return nil
}

type StatusCmd struct{}

func (c *StatusCmd) Run(e *env) error {
	a, err := openApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	token := a.ledger.BackupToken(e.ctx)
	if token == 0 {
		fmt.Fprintln(e.out, "no backup set")
		return nil
	}

	last := formatTime(a.ledger.LastBackupTime(e.ctx), "never")
	fmt.Fprintf(e.out, "backup set:    %d\n", token)
	fmt.Fprintf(e.out, "storage:       %s\n", a.layout.Authority(e.ctx))
	fmt.Fprintf(e.out, "initialized:   %t\n", a.layout.IsInitialized(e.ctx))
	fmt.Fprintf(e.out, "last backup:   %s\n", last)
	fmt.Fprintf(e.out, "not backed up: %d\n\n", a.ledger.CountPackagesNotBackedUp(e.ctx))

	return writePackages(e.out, a.ledger.PackageNames(e.ctx), func(name string) (metadata.PackageMetadata, bool) {
		return a.ledger.PackageMetadata(e.ctx, name)
	})
}

type SetsCmd struct{}

func (c *SetsCmd) Run(e *env) error {
	a, err := openApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	sets, err := a.layout.BackupSets(e.ctx)
	if err != nil {
		return err
	}
	current := a.layout.CurrentToken(e.ctx)
	for _, token := range sets {
		marker := " "
		if token == current {
			marker = "*"
		}
		fmt.Fprintf(e.out, "%s %d\n", marker, token)
	}
	return nil
}

type RestoreCmd struct {
	Inspect RestoreInspectCmd `cmd:"" help:"Show the ledger stored in a backup set."`
}

type RestoreInspectCmd struct {
	Token   uint64 `arg:"" help:"Token of the backup set."`
	Package string `help:"Package about to be restored, named in error reports."`
}

func (c *RestoreInspectCmd) Run(e *env) error {
	a, err := openApp(e)
	if err != nil {
		return err
	}
	defer a.Close(e.ctx)

	ledger, err := a.readSet(e.ctx, c.Token)
	if err != nil {
		notify.ReportError(e.ctx, a.notifier, c.Package, err)
		return err
	}
	fmt.Fprintf(e.out, "backup set:  %d\nlast backup: %s\n\n", ledger.Token, formatTime(ledger.Time, "never"))
	return writePackages(e.out, ledger.PackageNames(), func(name string) (metadata.PackageMetadata, bool) {
		m, ok := ledger.Packages[name]
		return m, ok
	})
}

type VersionCmd struct{}

func (c *VersionCmd) Run(e *env) error {
	fmt.Fprintln(e.out, version)
	return nil
}

// openBackupApp opens the app for a ledger mutation, which needs a set.
func openBackupApp(e *env) (*app, error) {
	a, err := openApp(e)
	if err != nil {
		return nil, err
	}
	if a.ledger.BackupToken(e.ctx) == 0 {
		_ = a.Close(e.ctx)
		return nil, errNoBackupSet
	}
	return a, nil
}

func writePackages(w io.Writer, names []string, lookup func(string) (metadata.PackageMetadata, bool)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tSTATE\tSYSTEM\tVERSION\tLAST BACKUP")
	for _, name := range names {
		m, ok := lookup(name)
		if !ok {
			continue
		}
		ver := "-"
		if m.Version != nil {
			ver = strconv.FormatInt(*m.Version, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", name, m.State, m.System, ver, formatTime(m.Time, "-"))
	}
	return tw.Flush()
}

func formatTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.UTC().Format(time.RFC3339)
}

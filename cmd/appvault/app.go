package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/backend"
	"github.com/wolfeidau/appvault/codec"
	"github.com/wolfeidau/appvault/credentials"
	"github.com/wolfeidau/appvault/credentials/opprovider"
	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/docfs/s3fs"
	"github.com/wolfeidau/appvault/layout"
	"github.com/wolfeidau/appvault/location"
	"github.com/wolfeidau/appvault/metadata"
	"github.com/wolfeidau/appvault/notify"
	"github.com/wolfeidau/appvault/settings"
	"github.com/wolfeidau/appvault/telemetry"
)

const (
	settingsFile = "settings.db"
	cacheDir     = "cache"
)

// app wires the ledger and the storage layout for one command invocation.
type app struct {
	logger   *slog.Logger
	store    *settings.Store
	codec    *codec.Codec
	ledger   *metadata.Manager
	layout   *layout.Manager
	notifier notify.Notifier
	shutdown func(context.Context) error
}

func openSettings(e *env) (*settings.Store, error) {
	if err := os.MkdirAll(e.globals.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return settings.Open(filepath.Join(e.globals.StateDir, settingsFile), settings.WithLogger(e.logger))
}

// secrets returns the ledger secret and the S3 configuration, preferring
// values from the credentials file over flags.
func secrets(e *env) (string, s3fs.Config, error) {
	g := e.globals
	secret := g.Secret
	s3 := s3fs.Config{
		Endpoint:  g.S3.Endpoint,
		AccessKey: g.S3.AccessKey,
		SecretKey: g.S3.SecretKey,
		Region:    g.S3.Region,
		UseSSL:    g.S3.UseSSL,
	}

	if g.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(e.logger),
			opprovider.WithOnePassword(opprovider.WithAccount(g.OPAccount)),
		)
		creds, err := resolver.ResolveFile(e.ctx, g.Credentials)
		if err != nil {
			return "", s3, err
		}
		secret = creds.Secret
		if creds.S3 != nil {
			s3.AccessKey = creds.S3.AccessKey
			s3.SecretKey = creds.S3.SecretKey
		}
	}

	if secret == "" {
		return "", s3, errors.New("a secret is required, set --secret, APPVAULT_SECRET or --credentials-file")
	}
	return secret, s3, nil
}

func openApp(e *env) (*app, error) {
	g := e.globals
	secret, s3Config, err := secrets(e)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.InitMetrics(e.ctx, telemetry.MetricsConfig{
		ServiceName:    "appvault",
		ServiceVersion: version,
		OTLPEndpoint:   g.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	a := &app{logger: e.logger, shutdown: shutdown, notifier: notify.NewLogNotifier(e.logger)}

	a.store, err = openSettings(e)
	if err != nil {
		_ = a.Close(e.ctx)
		return nil, err
	}

	a.codec, err = codec.New([]byte(secret))
	if err != nil {
		_ = a.Close(e.ctx)
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	files, err := backend.NewFilesystem(filepath.Join(g.StateDir, cacheDir))
	if err != nil {
		_ = a.Close(e.ctx)
		return nil, fmt.Errorf("creating cache backend: %w", err)
	}
	cache := backend.NewInstrumentedBackend(files, "cache")

	resolver := location.NewResolver(location.WithS3Config(s3Config))

	a.ledger = metadata.NewManager(cache, a.codec, metadata.WithLogger(e.logger))
	a.layout = layout.New(location.NewSource(a.store, resolver, e.logger), a.ledger, layout.WithLogger(e.logger))
	return a, nil
}

// commit runs one ledger mutation against the metadata file of the current
// backup set. The file is only replaced when the mutation succeeds.
func (a *app) commit(ctx context.Context, mutate func(sink io.Writer) error) error {
	sink, err := a.layout.OpenMetadataSink(ctx)
	if err != nil {
		return err
	}
	if err := mutate(sink); err != nil {
		_ = docfs.Abort(sink)
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("closing metadata file: %w", err)
	}
	return nil
}

// readSet decodes the ledger stored in the backup set token.
func (a *app) readSet(ctx context.Context, token uint64) (*metadata.BackupMetadata, error) {
	r, err := a.layout.OpenMetadata(ctx, token)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, appvault.IOError("reading metadata file", err)
	}
	ledger, err := a.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata of set %d: %w", token, err)
	}
	return ledger, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.codec != nil {
		a.codec.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}

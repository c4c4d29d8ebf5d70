package docfs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/appvault"
)

// CreateOrGetFile returns the named file in dir, creating it if needed.
func CreateOrGetFile(ctx context.Context, dir Document, name, mimeType string) (Document, error) {
	return createOrGet(ctx, dir, name, false, func() (Document, error) {
		return dir.CreateFile(ctx, name, mimeType)
	})
}

// CreateOrGetDirectory returns the named directory in dir, creating it if needed.
func CreateOrGetDirectory(ctx context.Context, dir Document, name string) (Document, error) {
	return createOrGet(ctx, dir, name, true, func() (Document, error) {
		return dir.CreateDirectory(ctx, name)
	})
}

func createOrGet(ctx context.Context, dir Document, name string, wantDir bool, create func() (Document, error)) (Document, error) {
	doc, err := dir.FindChild(ctx, name)
	if errors.Is(err, ErrNotExist) {
		doc, err = create()
		// Lost a race with another creator.
		if errors.Is(err, ErrExist) {
			doc, err = dir.FindChild(ctx, name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create or get %s in %s: %w", name, dir.Name(), err)
	}
	if doc.IsDir() != wantDir {
		if wantDir {
			return nil, fmt.Errorf("create or get %s in %s: %w", name, dir.Name(), ErrNotDirectory)
		}
		return nil, fmt.Errorf("create or get %s in %s: %w", name, dir.Name(), ErrIsDirectory)
	}
	return doc, nil
}

// DeleteContents deletes every child of dir, leaving dir itself in place.
func DeleteContents(ctx context.Context, dir Document) error {
	listing, err := dir.ListChildren(ctx)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir.Name(), err)
	}
	var errs []error
	for _, child := range listing.Entries {
		if err := child.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", child.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// AssertRightFile checks that doc is the document of the named package.
func AssertRightFile(doc Document, packageName string) error {
	if doc.Name() != packageName {
		return appvault.ContractViolation("document %q does not belong to package %q", doc.Name(), packageName)
	}
	return nil
}

// Aborter is implemented by writers that can discard uncommitted data.
type Aborter interface {
	Abort() error
}

// Abort discards the data written to w if w supports it, and closes it
// otherwise.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

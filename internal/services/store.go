package services

import (
	"context"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FolderMimeType marks container objects. Both store backends report
// folders with the Drive folder type so callers need a single check.
const FolderMimeType = "application/vnd.google-apps.folder"

// RootSentinel is the configured root id meaning "the store's own root".
const RootSentinel = "root"

// Object is the store metadata the index consumes.
type Object struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	Parents      []string
	ModifiedTime time.Time
	ContentURL   string // direct download link; never logged or returned to clients
}

// IsFolder reports whether the object is a container.
func (o Object) IsFolder() bool {
	return o.MimeType == FolderMimeType
}

// Parent returns the first parent id, or "" for parentless objects.
func (o Object) Parent() string {
	if len(o.Parents) == 0 {
		return ""
	}
	return o.Parents[0]
}

// ListQuery selects children. Empty fields are not filtered on.
type ListQuery struct {
	Parent         string
	NameEquals     string
	NameStartsWith string
	IncludeTrashed bool
}

// matches applies the name filters client-side. Stores use it to re-check
// results whose server-side comparison is looser (case-insensitive, token
// based) than exact equality.
func (q ListQuery) matches(name string) bool {
	if q.NameEquals != "" && name != q.NameEquals {
		return false
	}
	if q.NameStartsWith != "" && (len(name) < len(q.NameStartsWith) || name[:len(q.NameStartsWith)] != q.NameStartsWith) {
		return false
	}
	return true
}

// ByteRange is an inclusive byte window.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes in the window.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ObjectStore is the remote store the index reads from. Implementations own
// their connection, credential and retry lifecycle. Missing objects are
// reported as ErrObjectNotFound.
type ObjectStore interface {
	// RootID returns the real id of the store's root container.
	RootID(ctx context.Context) (string, error)
	GetByID(ctx context.Context, id string) (*Object, error)
	ListChildren(ctx context.Context, q ListQuery) ([]Object, error)
	// GetMedia returns the object bytes, restricted to rng when non-nil.
	GetMedia(ctx context.Context, id string, rng *ByteRange) (io.ReadCloser, error)
}

// baseName is the last element of a slash-separated key, ignoring a
// trailing slash.
func baseName(key string) string {
	trimmed := key
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

// getContentTypeFromExt guesses a MIME type for stores that keep none.
func getContentTypeFromExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".md":
		return "text/markdown"
	case "":
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

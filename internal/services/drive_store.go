package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Retry and backoff constants for Drive API calls.
const (
	driveMaxRetries     = 4
	driveBaseBackoff    = 500 * time.Millisecond
	driveMaxBackoff     = 16 * time.Second
	driveBackoffFactor  = 2.0
	driveJitterFraction = 0.25
	drivePageSize       = 1000
)

const driveFileFields = "id,name,mimeType,size,parents,modifiedTime,webContentLink,trashed"

// DriveConfig configures the Google Drive backend.
type DriveConfig struct {
	// CredentialsJSON is a service account key file.
	CredentialsJSON []byte
	// RootID is a folder or shared drive id, or "root" for My Drive.
	RootID string
	// Endpoint overrides the API base path. Tests point it at httptest.
	Endpoint string
	// HTTPClient replaces the service account client when set.
	HTTPClient *http.Client
}

// DriveStore reads from Google Drive with a service account.
type DriveStore struct {
	svc    *drive.Service
	logger *zap.Logger

	configuredRoot string
	rootMu         sync.Mutex
	resolvedRoot   string

	// sleepFunc waits between retries. Tests replace it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewDriveStore builds the Drive client.
func NewDriveStore(ctx context.Context, cfg DriveConfig, logger *zap.Logger) (*DriveStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		if len(cfg.CredentialsJSON) == 0 {
			return nil, fmt.Errorf("drive: no service account credentials configured")
		}
		conf, err := google.JWTConfigFromJSON(cfg.CredentialsJSON, drive.DriveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("drive: parsing service account credentials: %w", err)
		}
		client = conf.Client(ctx)
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive: creating service: %w", err)
	}

	root := cfg.RootID
	if root == "" {
		root = RootSentinel
	}

	return &DriveStore{
		svc:            svc,
		logger:         logger,
		configuredRoot: root,
		sleepFunc:      timeSleep,
	}, nil
}

// RootID resolves the "root" alias to the real My Drive id once.
func (s *DriveStore) RootID(ctx context.Context) (string, error) {
	if s.configuredRoot != RootSentinel {
		return s.configuredRoot, nil
	}

	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	if s.resolvedRoot != "" {
		return s.resolvedRoot, nil
	}

	var f *drive.File
	err := s.withRetry(ctx, "get root", func() error {
		var err error
		f, err = s.svc.Files.Get(RootSentinel).Fields("id").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", s.mapError(RootSentinel, err)
	}
	s.resolvedRoot = f.Id
	return f.Id, nil
}

func (s *DriveStore) GetByID(ctx context.Context, id string) (*Object, error) {
	var f *drive.File
	err := s.withRetry(ctx, "get", func() error {
		var err error
		f, err = s.svc.Files.Get(id).
			Fields(googleapi.Field(driveFileFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, s.mapError(id, err)
	}
	if f.Trashed {
		return nil, fmt.Errorf("drive: %q is trashed: %w", id, ErrObjectNotFound)
	}
	obj := objectFromDrive(f)
	return &obj, nil
}

func (s *DriveStore) ListChildren(ctx context.Context, q ListQuery) ([]Object, error) {
	query := buildDriveQuery(q)
	fields := googleapi.Field("nextPageToken,files(" + driveFileFields + ")")

	var out []Object
	pageToken := ""
	for {
		var page *drive.FileList
		err := s.withRetry(ctx, "list", func() error {
			call := s.svc.Files.List().
				Q(query).
				Fields(fields).
				PageSize(drivePageSize).
				SupportsAllDrives(true).
				IncludeItemsFromAllDrives(true).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			page, err = call.Do()
			return err
		})
		if err != nil {
			return nil, s.mapError(q.Parent, err)
		}

		for _, f := range page.Files {
			// Drive name comparison is case-insensitive; re-check exactly.
			if !q.matches(f.Name) {
				continue
			}
			out = append(out, objectFromDrive(f))
		}

		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (s *DriveStore) GetMedia(ctx context.Context, id string, rng *ByteRange) (io.ReadCloser, error) {
	var resp *http.Response
	err := s.withRetry(ctx, "download", func() error {
		call := s.svc.Files.Get(id).SupportsAllDrives(true).AcknowledgeAbuse(false).Context(ctx)
		if rng != nil {
			call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		}
		var err error
		resp, err = call.Download()
		return err
	})
	if err != nil {
		return nil, s.mapError(id, err)
	}
	return resp.Body, nil
}

// withRetry runs fn, retrying rate limits and server errors with
// exponential backoff.
func (s *DriveStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetryableDriveError(err) || attempt >= driveMaxRetries {
			return err
		}

		backoff := calcBackoff(attempt)
		s.logger.Debug("retrying drive request",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
	}
}

func (s *DriveStore) mapError(id string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("drive: %q: %w", id, ErrObjectNotFound)
	}
	if errors.As(err, &gerr) && gerr.Code == http.StatusRequestedRangeNotSatisfiable {
		return fmt.Errorf("drive: %q: %w", id, ErrRangeNotSatisfiable)
	}
	return fmt.Errorf("drive: %q: %w", id, err)
}

func isRetryableDriveError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code >= http.StatusInternalServerError || gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if gerr.Code == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(driveBaseBackoff) * math.Pow(driveBackoffFactor, float64(attempt))
	if backoff > float64(driveMaxBackoff) {
		backoff = float64(driveMaxBackoff)
	}
	jitter := backoff * driveJitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	return time.Duration(backoff + jitter)
}

// timeSleep waits for d or until ctx is cancelled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// escapeDriveQuery quotes a value for a single-quoted Drive query literal.
func escapeDriveQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func buildDriveQuery(q ListQuery) string {
	var parts []string
	if !q.IncludeTrashed {
		parts = append(parts, "trashed=false")
	}
	if q.Parent != "" {
		parts = append(parts, fmt.Sprintf("'%s' in parents", escapeDriveQuery(q.Parent)))
	}
	if q.NameEquals != "" {
		parts = append(parts, fmt.Sprintf("name='%s'", escapeDriveQuery(q.NameEquals)))
	}
	if q.NameStartsWith != "" {
		parts = append(parts, fmt.Sprintf("name contains '%s'", escapeDriveQuery(q.NameStartsWith)))
	}
	return strings.Join(parts, " and ")
}

func objectFromDrive(f *drive.File) Object {
	obj := Object{
		ID:         f.Id,
		Name:       f.Name,
		MimeType:   f.MimeType,
		Size:       f.Size,
		Parents:    f.Parents,
		ContentURL: f.WebContentLink,
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		obj.ModifiedTime = t
	}
	return obj
}

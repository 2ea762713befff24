package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/damacus/drive-index/internal/metrics"
	"github.com/damacus/drive-index/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMarkerName = ".password"
	maxMarkerBytes    = 64 << 10
)

// Credentials maps a container path ("/", "/Public") to the password the
// caller submitted for it. It arrives from an untrusted cookie and is only
// ever compared against live marker content.
type Credentials map[string]string

// Lock identifies the marker that governs a path. Index is -1 for the root,
// otherwise the index of the protected segment.
type Lock struct {
	Index    int
	MarkerID string
}

// Protected reports whether a marker was found.
func (l Lock) Protected() bool {
	return l.MarkerID != ""
}

// ProtectionService evaluates inherited password protection. The marker
// nearest to the leaf is authoritative.
type ProtectionService struct {
	store       ObjectStore
	cache       *Cache
	logger      *zap.Logger
	markerName  string
	concurrency int
}

func NewProtectionService(store ObjectStore, cache *Cache, markerName string, concurrency int, logger *zap.Logger) *ProtectionService {
	if markerName == "" {
		markerName = defaultMarkerName
	}
	if concurrency <= 0 {
		concurrency = defaultResolveConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProtectionService{
		store:       store,
		cache:       cache,
		logger:      logger,
		markerName:  markerName,
		concurrency: concurrency,
	}
}

// MarkerName is the configured password marker filename.
func (s *ProtectionService) MarkerName() string {
	return s.markerName
}

// Locate finds the nearest container on res that holds a marker. The root
// and every folder segment are checked concurrently.
func (s *ProtectionService) Locate(ctx context.Context, res *Resolution) (Lock, error) {
	containers := []int{-1}
	for i, n := range res.Nodes {
		if n.IsFolder() {
			containers = append(containers, i)
		}
	}

	markers := make([]string, len(containers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, idx := range containers {
		i, idx := i, idx
		g.Go(func() error {
			objs, err := s.store.ListChildren(gctx, ListQuery{
				Parent:     res.ContainerID(idx),
				NameEquals: s.markerName,
			})
			if err != nil {
				return classifyStoreError("marker lookup", err)
			}
			for _, o := range objs {
				if !o.IsFolder() {
					markers[i] = o.ID
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Lock{}, err
	}

	for i := len(containers) - 1; i >= 0; i-- {
		if markers[i] != "" {
			return Lock{Index: containers[i], MarkerID: markers[i]}, nil
		}
	}
	return Lock{Index: -1}, nil
}

// CheckCredential compares candidate with the marker's content. A marker
// that vanished after it was listed counts as a match.
func (s *ProtectionService) CheckCredential(ctx context.Context, markerID, candidate string) (bool, error) {
	content, vanished, err := s.markerContent(ctx, markerID)
	if err != nil {
		return false, err
	}
	if vanished {
		s.logger.Debug("password marker vanished before it could be read", zap.String("marker_id", markerID))
		return true, nil
	}
	if candidate == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(content), []byte(candidate)) == 1, nil
}

// Evaluate computes the protection state of res for the presented
// credentials. The credential for the governing container path is
// re-checked on every call.
func (s *ProtectionService) Evaluate(ctx context.Context, res *Resolution, creds Credentials) (models.ProtectionState, Lock, error) {
	lock, err := s.Locate(ctx, res)
	if err != nil {
		return models.ProtectionState{}, Lock{}, err
	}
	if !lock.Protected() {
		metrics.RecordProtectionCheck("public")
		return models.ProtectionState{Unlocked: true}, lock, nil
	}

	idx := lock.Index
	state := models.ProtectionState{
		ProtectedContainerIndex: &idx,
		ContainerPath:           res.ContainerPath(lock.Index),
	}

	candidate, ok := creds[state.ContainerPath]
	if ok {
		state.Unlocked, err = s.CheckCredential(ctx, lock.MarkerID, candidate)
		if err != nil {
			return models.ProtectionState{}, Lock{}, err
		}
	}

	if state.Unlocked {
		metrics.RecordProtectionCheck("unlocked")
	} else {
		metrics.RecordProtectionCheck("locked")
	}
	return state, lock, nil
}

// Unlock verifies password against the marker governing res and returns the
// container path it unlocks.
func (s *ProtectionService) Unlock(ctx context.Context, res *Resolution, password string) (string, error) {
	lock, err := s.Locate(ctx, res)
	if err != nil {
		return "", err
	}
	if !lock.Protected() {
		return "", newError(ErrBadRequest, "NOT_PROTECTED", "path is not password protected", "")
	}

	ok, err := s.CheckCredential(ctx, lock.MarkerID, password)
	if err != nil {
		return "", err
	}
	metrics.RecordUnlockAttempt(ok)

	path := res.ContainerPath(lock.Index)
	if !ok {
		return "", &IndexError{
			Err:     ErrPasswordRequired,
			Code:    "WRONG_PASSWORD",
			Message: "incorrect password",
			Reason:  path,
		}
	}
	return path, nil
}

// markerContent reads and trims a marker, caching the text per marker id.
func (s *ProtectionService) markerContent(ctx context.Context, markerID string) (content string, vanished bool, err error) {
	key := "marker:" + markerID
	if v, ok := s.cache.Get("marker", key); ok {
		return v.(string), false, nil
	}

	rc, err := s.store.GetMedia(ctx, markerID, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", true, nil
		}
		return "", false, classifyStoreError("marker read", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxMarkerBytes))
	if err != nil {
		return "", false, classifyStoreError("marker read", fmt.Errorf("reading marker: %w", err))
	}

	content = strings.TrimSpace(string(data))
	s.cache.Set(key, content)
	return content, false, nil
}

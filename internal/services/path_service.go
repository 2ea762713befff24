package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/damacus/drive-index/internal/metrics"
	"github.com/damacus/drive-index/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultResolveConcurrency = 8

// Node is one resolved path element with its real store id. Nodes stay
// server-side; clients only see the opaque form from Resolution.Public.
type Node struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// IsFolder reports whether the node is a container.
func (n Node) IsFolder() bool {
	return n.MimeType == FolderMimeType
}

// Resolution is a validated chain from RootID to the leaf. Every node's
// parent is the previous node, or RootID for the first.
type Resolution struct {
	RootID string
	Nodes  []Node
}

// LeafID is the id of the last node, or the root for an empty path.
func (r *Resolution) LeafID() string {
	if len(r.Nodes) == 0 {
		return r.RootID
	}
	return r.Nodes[len(r.Nodes)-1].ID
}

// LeafIsFolder reports whether the path ends at a container.
func (r *Resolution) LeafIsFolder() bool {
	if len(r.Nodes) == 0 {
		return true
	}
	return r.Nodes[len(r.Nodes)-1].IsFolder()
}

// ContainerID returns the real id of container idx: -1 is the root.
func (r *Resolution) ContainerID(idx int) string {
	if idx < 0 {
		return r.RootID
	}
	return r.Nodes[idx].ID
}

// ContainerPath is the logical path of container idx ("/" for the root,
// "/Public/Sub" for a segment). Unlock credentials are keyed by it.
func (r *Resolution) ContainerPath(idx int) string {
	if idx < 0 {
		return "/"
	}
	names := make([]string, 0, idx+1)
	for _, n := range r.Nodes[:idx+1] {
		names = append(names, n.Name)
	}
	return "/" + strings.Join(names, "/")
}

// Public converts the chain to its client form with opaque ids.
func (r *Resolution) Public(crypto *CryptoService) (models.ResolvedPath, error) {
	out := make(models.ResolvedPath, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		encoded, err := crypto.Encrypt(n.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PathSegment{Name: n.Name, EncodedID: encoded, MimeType: n.MimeType})
	}
	return out, nil
}

// PathService resolves logical paths to chains of store objects.
type PathService struct {
	store       ObjectStore
	cache       *Cache
	logger      *zap.Logger
	concurrency int

	configuredRoot string
	rootMu         sync.Mutex
	effectiveRoot  string
}

// NewPathService resolves paths below rootID. A rootID of "root" (or empty)
// means the store's own root, looked up once on first use.
func NewPathService(store ObjectStore, cache *Cache, rootID string, concurrency int, logger *zap.Logger) *PathService {
	if rootID == "" {
		rootID = RootSentinel
	}
	if concurrency <= 0 {
		concurrency = defaultResolveConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PathService{
		store:          store,
		cache:          cache,
		logger:         logger,
		concurrency:    concurrency,
		configuredRoot: rootID,
	}
}

// EffectiveRoot returns the real root id.
func (s *PathService) EffectiveRoot(ctx context.Context) (string, error) {
	if s.configuredRoot != RootSentinel {
		return s.configuredRoot, nil
	}

	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	if s.effectiveRoot != "" {
		return s.effectiveRoot, nil
	}
	id, err := s.store.RootID(ctx)
	if err != nil {
		return "", classifyStoreError("root lookup", err)
	}
	s.effectiveRoot = id
	return id, nil
}

// Resolve walks segments from the effective root.
func (s *PathService) Resolve(ctx context.Context, segments []string) (*Resolution, error) {
	root, err := s.EffectiveRoot(ctx)
	if err != nil {
		return nil, err
	}
	return s.ResolveFrom(ctx, root, segments)
}

// ResolveFrom walks segments from rootID. Name lookups run concurrently;
// parent consistency is then checked root to leaf. When several siblings
// share a name the first one returned by the store wins.
func (s *PathService) ResolveFrom(ctx context.Context, rootID string, segments []string) (res *Resolution, err error) {
	for _, seg := range segments {
		if seg == "" {
			return nil, newError(ErrBadRequest, "INVALID_PATH", "path contains an empty segment", "")
		}
	}
	if len(segments) == 0 {
		return &Resolution{RootID: rootID}, nil
	}

	key := pathCacheKey(rootID, segments)
	if v, ok := s.cache.Get("path", key); ok {
		return &Resolution{RootID: rootID, Nodes: v.([]Node)}, nil
	}

	start := time.Now()
	defer func() {
		metrics.RecordResolve(time.Since(start), err == nil)
	}()

	candidates, err := s.lookupNames(ctx, segments)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(segments))
	prev := rootID
	for i, seg := range segments {
		var chosen *Object
		matches := 0
		for j := range candidates[seg] {
			c := &candidates[seg][j]
			if c.Parent() != prev {
				continue
			}
			matches++
			if chosen == nil {
				chosen = c
			}
		}
		if chosen == nil {
			return nil, newError(ErrNotFound, "PATH_NOT_FOUND", "path segment not found", seg)
		}
		if matches > 1 {
			metrics.RecordAmbiguousSegment()
			s.logger.Warn("ambiguous path segment, using first candidate",
				zap.String("segment", seg),
				zap.Int("index", i),
				zap.Int("candidates", matches),
			)
		}
		nodes = append(nodes, Node{ID: chosen.ID, Name: seg, MimeType: chosen.MimeType, Size: chosen.Size})
		prev = chosen.ID
	}

	s.cache.Set(key, nodes)
	return &Resolution{RootID: rootID, Nodes: nodes}, nil
}

// lookupNames fetches every distinct segment name once, in parallel.
func (s *PathService) lookupNames(ctx context.Context, segments []string) (map[string][]Object, error) {
	names := make([]string, 0, len(segments))
	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if !seen[seg] {
			seen[seg] = true
			names = append(names, seg)
		}
	}

	results := make([][]Object, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			objs, err := s.store.ListChildren(gctx, ListQuery{NameEquals: name})
			if err != nil {
				return classifyStoreError("lookup "+name, err)
			}
			results[i] = objs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]Object, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out, nil
}

func pathCacheKey(rootID string, segments []string) string {
	return "path:" + rootID + ":" + strings.Join(segments, "\x00")
}

package handlers

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/damacus/drive-index/internal/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory services.ObjectStore keeping insertion order.
type memStore struct {
	mu      sync.Mutex
	root    string
	order   []string
	objects map[string]services.Object
	content map[string][]byte
	// failMedia makes GetMedia return a body that breaks after a few bytes.
	failMedia bool
}

func newMemStore() *memStore {
	return &memStore{
		root:    "root-id",
		objects: map[string]services.Object{},
		content: map[string][]byte{},
	}
}

func (s *memStore) folder(id, name, parent string) {
	s.put(services.Object{ID: id, Name: name, MimeType: services.FolderMimeType, Parents: []string{parent}}, nil)
}

func (s *memStore) file(id, name, parent, body string) {
	s.put(services.Object{
		ID:       id,
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(body)),
		Parents:  []string{parent},
	}, []byte(body))
}

func (s *memStore) put(o services.Object, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[o.ID]; !ok {
		s.order = append(s.order, o.ID)
	}
	s.objects[o.ID] = o
	if body != nil {
		s.content[o.ID] = body
	}
}

func (s *memStore) RootID(context.Context) (string, error) {
	return s.root, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*services.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return nil, services.ErrObjectNotFound
	}
	return &o, nil
}

func (s *memStore) ListChildren(_ context.Context, q services.ListQuery) ([]services.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []services.Object
	for _, id := range s.order {
		o := s.objects[id]
		if q.Parent != "" && o.Parent() != q.Parent {
			continue
		}
		if q.NameEquals != "" && o.Name != q.NameEquals {
			continue
		}
		if q.NameStartsWith != "" && !strings.HasPrefix(o.Name, q.NameStartsWith) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *memStore) GetMedia(_ context.Context, id string, rng *services.ByteRange) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.content[id]
	if !ok {
		return nil, services.ErrObjectNotFound
	}
	if rng != nil {
		end := min(rng.End+1, int64(len(body)))
		body = body[rng.Start:end]
	}
	if s.failMedia {
		return io.NopCloser(io.LimitReader(bytes.NewReader(body), 2)), nil
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// indexTree:
//
//	/Public/.password      "hunter2"
//	/Public/Sub/file.txt   "hello world"
//	/Public/Nested/.password "nested"
//	/Public/Nested/deep.bin  "0123456789"
//	/Open/readme.md
//	/Open/big.iso          (has a direct link)
func indexTree() *memStore {
	s := newMemStore()
	s.folder("public-id", "Public", "root-id")
	s.file("pw-public", ".password", "public-id", "hunter2\n")
	s.folder("sub-id", "Sub", "public-id")
	s.file("file-id", "file.txt", "sub-id", "hello world")
	s.folder("nested-id", "Nested", "public-id")
	s.file("pw-nested", ".password", "nested-id", "nested")
	s.file("deep-id", "deep.bin", "nested-id", "0123456789")
	s.folder("open-id", "Open", "root-id")
	s.file("readme-id", "readme.md", "open-id", "# readme")
	s.put(services.Object{
		ID:         "big-id",
		Name:       "big.iso",
		MimeType:   "application/octet-stream",
		Size:       1 << 30,
		Parents:    []string{"open-id"},
		ContentURL: "https://store.example.com/big",
	}, nil)
	return s
}

type fixture struct {
	store   *memStore
	handler *IndexHandler
	crypto  *services.CryptoService
	tokens  *services.TokenService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := indexTree()
	crypto, err := services.NewCryptoService("handler-test-secret", zap.NewNop())
	require.NoError(t, err)

	cache := services.NewCache(0)
	tokens := services.NewTokenService(crypto, time.Hour)
	h := NewIndexHandler(IndexServices{
		Paths:      services.NewPathService(store, cache, "root", 4, zap.NewNop()),
		Protection: services.NewProtectionService(store, cache, ".password", 4, zap.NewNop()),
		Lister: services.NewListService(store, crypto, services.ListConfig{
			PasswordName:   ".password",
			ReadmeName:     "readme.md",
			HiddenPrefixes: []string{"."},
		}),
		Tokens:  tokens,
		Streams: services.NewStreamService(store, services.StreamConfig{ChunkSize: 4}, zap.NewNop()),
		Crypto:  crypto,
	}, 100<<20, zap.NewNop())

	return &fixture{store: store, handler: h, crypto: crypto, tokens: tokens}
}

func (f *fixture) ref(t *testing.T, id string) string {
	t.Helper()
	ref, err := f.crypto.Encrypt(id)
	require.NoError(t, err)
	return ref
}

func (f *fixture) unlockCookie(t *testing.T, creds services.Credentials) string {
	t.Helper()
	sealed, err := f.crypto.SealJSON(creds)
	require.NoError(t, err)
	return sealed
}

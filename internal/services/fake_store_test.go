package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeStore is an in-memory ObjectStore. Listing order is insertion order,
// which lets tests pin the first-returned tie-break.
type fakeStore struct {
	mu      sync.Mutex
	root    string
	order   []string
	objects map[string]Object
	content map[string][]byte

	listErr  error
	mediaErr error
	// readDelay and readSize make media bodies slow: each read waits
	// readDelay and returns at most readSize bytes.
	readDelay time.Duration
	readSize  int

	rootCalls  atomic.Int32
	listCalls  atomic.Int32
	mediaCalls atomic.Int32
	lastRange  *ByteRange
}

func newFakeStore(root string) *fakeStore {
	return &fakeStore{
		root:    root,
		objects: make(map[string]Object),
		content: make(map[string][]byte),
	}
}

func (f *fakeStore) addFolder(id, name, parent string) *fakeStore {
	return f.add(Object{ID: id, Name: name, MimeType: FolderMimeType, Parents: []string{parent}}, nil)
}

func (f *fakeStore) addFile(id, name, parent string, data []byte) *fakeStore {
	return f.add(Object{
		ID:       id,
		Name:     name,
		MimeType: "application/octet-stream",
		Size:     int64(len(data)),
		Parents:  []string{parent},
	}, data)
}

func (f *fakeStore) add(obj Object, data []byte) *fakeStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.objects[obj.ID]; !exists {
		f.order = append(f.order, obj.ID)
	}
	f.objects[obj.ID] = obj
	if data != nil {
		f.content[obj.ID] = data
	}
	return f
}

// removeContent drops an object's bytes, simulating deletion between list
// and read.
func (f *fakeStore) removeContent(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.content, id)
}

func (f *fakeStore) RootID(_ context.Context) (string, error) {
	f.rootCalls.Add(1)
	return f.root, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("fake: %q: %w", id, ErrObjectNotFound)
	}
	return &obj, nil
}

func (f *fakeStore) ListChildren(ctx context.Context, q ListQuery) ([]Object, error) {
	f.listCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Object
	for _, id := range f.order {
		obj := f.objects[id]
		if q.Parent != "" && obj.Parent() != q.Parent {
			continue
		}
		if q.matches(obj.Name) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMedia(ctx context.Context, id string, rng *ByteRange) (io.ReadCloser, error) {
	f.mediaCalls.Add(1)
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("fake: %q: %w", id, ErrObjectNotFound)
	}
	if rng != nil {
		f.lastRange = &ByteRange{Start: rng.Start, End: rng.End}
		data = data[rng.Start : rng.End+1]
	}
	return &ctxReader{ctx: ctx, r: bytes.NewReader(data), delay: f.readDelay, size: f.readSize}, nil
}

// ctxReader fails reads once ctx is done, like a real HTTP body.
type ctxReader struct {
	ctx    context.Context
	r      io.Reader
	delay  time.Duration
	size   int
	closed bool
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-c.ctx.Done():
			return 0, c.ctx.Err()
		}
	}
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if c.size > 0 && len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	c.closed = true
	return nil
}

// sampleTree builds:
//
//	root/
//	  .password        "rootpass"   (only when rootLocked)
//	  Public/
//	    .password      "hunter2"
//	    Sub/
//	      file.txt
//	    Nested/
//	      .password    "nested"
//	      deep.bin
//	  Open/
//	    readme.md
func sampleTree(rootLocked bool) *fakeStore {
	f := newFakeStore("root-id")
	if rootLocked {
		f.addFile("pw-root", ".password", "root-id", []byte("rootpass\n"))
	}
	f.addFolder("public-id", "Public", "root-id")
	f.addFile("pw-public", ".password", "public-id", []byte("hunter2"))
	f.addFolder("sub-id", "Sub", "public-id")
	f.addFile("file-id", "file.txt", "sub-id", []byte("hello world"))
	f.addFolder("nested-id", "Nested", "public-id")
	f.addFile("pw-nested", ".password", "nested-id", []byte("  nested  "))
	f.addFile("deep-id", "deep.bin", "nested-id", []byte("0123456789"))
	f.addFolder("open-id", "Open", "root-id")
	f.addFile("readme-id", "readme.md", "open-id", []byte("# hi"))
	return f
}

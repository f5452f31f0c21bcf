package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "chien-001/2026/03/09/e-42.jpg", ObjectKey("chien-001", "e-42", at))

	// Keys are dated in UTC.
	late := time.Date(2026, 3, 10, 0, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "chien-001/2026/03/09/e-43.jpg", ObjectKey("chien-001", "e-43", late))
}

// fakeS3 accepts every request and records method, path and content type.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	types    map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if r.Method == http.MethodPut {
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
	}
	f.mu.Unlock()

	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) seen(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func newFakeStore(t *testing.T) (*MinioStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{types: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewMinioStore(strings.TrimPrefix(srv.URL, "http://"), "key", "secret", "guarddog-snapshots", false)
	require.NoError(t, err)
	return store, fake
}

func TestMinioStore_Save(t *testing.T) {
	store, fake := newFakeStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	key, err := store.Save(context.Background(), "chien-001", "e-1", at, []byte{0xff, 0xd8, 0xff, 0xd9})
	require.NoError(t, err)
	assert.Equal(t, "chien-001/2026/01/02/e-1.jpg", key)

	require.True(t, fake.seen("PUT /guarddog-snapshots/chien-001/2026/01/02/e-1.jpg"))
	fake.mu.Lock()
	assert.Equal(t, "image/jpeg", fake.types["/guarddog-snapshots/chien-001/2026/01/02/e-1.jpg"])
	fake.mu.Unlock()

	assert.True(t, strings.HasSuffix(store.URL(key), "/guarddog-snapshots/"+key))
}

func TestMinioStore_SaveRejectsEmpty(t *testing.T) {
	store, fake := newFakeStore(t)

	_, err := store.Save(context.Background(), "chien-001", "e-1", time.Now(), nil)
	assert.Error(t, err)
	assert.False(t, fake.seen("PUT"))
}

func TestMinioStore_EnsureBucketExisting(t *testing.T) {
	store, fake := newFakeStore(t)

	require.NoError(t, store.EnsureBucket(context.Background()))
	assert.True(t, fake.seen("HEAD /guarddog-snapshots"))
	assert.False(t, fake.seen("PUT"))
}

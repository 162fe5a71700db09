package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// fakeSynapse keeps entities, file handles and annotations in memory
type fakeSynapse struct {
	mu          sync.Mutex
	nextID      int
	entities    map[string]*Entity
	handles     map[string]ExternalFileHandle
	annotations map[string]*Annotations
	// staleOnce makes the next entity PUT fail with 412
	staleOnce bool
	puts      int
}

func newFakeSynapse() *fakeSynapse {
	return &fakeSynapse{
		nextID:      100,
		entities:    make(map[string]*Entity),
		handles:     make(map[string]ExternalFileHandle),
		annotations: make(map[string]*Annotations),
	}
}

func (f *fakeSynapse) id() string {
	f.nextID++
	return fmt.Sprint(f.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeSynapse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer pat" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": "Invalid access token"})
		return
	}

	path := r.URL.Path
	switch {
	case path == "/repo/v1/userProfile":
		writeJSON(w, http.StatusOK, UserProfile{OwnerID: "3330000", UserName: "bsmn-sync"})

	case path == "/file/v1/externalFileHandle" && r.Method == http.MethodPost:
		var fh ExternalFileHandle
		_ = json.NewDecoder(r.Body).Decode(&fh)
		fh.ID = f.id()
		f.handles[fh.ID] = fh
		writeJSON(w, http.StatusCreated, fh)

	case path == "/repo/v1/entity/child" && r.Method == http.MethodPost:
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		for _, e := range f.entities {
			if e.ParentID == in["parentId"] && e.Name == in["entityName"] {
				writeJSON(w, http.StatusOK, map[string]string{"id": e.ID})
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "Entity not found"})

	case path == "/repo/v1/entity" && r.Method == http.MethodPost:
		var e Entity
		_ = json.NewDecoder(r.Body).Decode(&e)
		e.ID = "syn" + f.id()
		e.Etag = "etag-1"
		e.VersionNumber = 1
		f.entities[e.ID] = &e
		f.annotations[e.ID] = &Annotations{ID: e.ID, Etag: "a-1", Annotations: map[string]AnnotationValue{}}
		writeJSON(w, http.StatusCreated, e)

	case strings.HasSuffix(path, "/annotations2"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/repo/v1/entity/"), "/annotations2")
		ann, ok := f.annotations[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": "no entity"})
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, ann)
			return
		}
		var in Annotations
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Etag != ann.Etag {
			writeJSON(w, http.StatusPreconditionFailed, map[string]string{"reason": "etag mismatch"})
			return
		}
		in.Etag = ann.Etag + "+"
		f.annotations[id] = &in
		writeJSON(w, http.StatusOK, in)

	case strings.HasPrefix(path, "/repo/v1/entity/"):
		id := strings.TrimPrefix(path, "/repo/v1/entity/")
		e, ok := f.entities[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": "The resource you are attempting to access cannot be found"})
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, e)
			return
		}
		f.puts++
		var in Entity
		_ = json.NewDecoder(r.Body).Decode(&in)
		if f.staleOnce {
			f.staleOnce = false
			e.Etag += "x"
			writeJSON(w, http.StatusPreconditionFailed, map[string]string{"reason": "Object has been updated since last read"})
			return
		}
		if in.Etag != e.Etag {
			writeJSON(w, http.StatusPreconditionFailed, map[string]string{"reason": "etag mismatch"})
			return
		}
		in.Etag = e.Etag + "+"
		in.VersionNumber = e.VersionNumber + 1
		f.entities[id] = &in
		writeJSON(w, http.StatusOK, in)

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "unknown path " + path})
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, handler http.Handler, token string) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.SynapseConfig{URL: server.URL, TimeoutSecs: 5, RetryMax: 0}
	client, err := NewClient(cfg, token, testLogger())
	require.NoError(t, err)
	client.http.RetryWaitMin = time.Millisecond
	client.http.RetryWaitMax = time.Millisecond
	return client
}

func TestNewClient(t *testing.T) {
	cfg := config.DefaultConfig().Synapse

	_, err := NewClient(nil, "pat", testLogger())
	assert.ErrorContains(t, err, "synapse configuration cannot be nil")

	_, err = NewClient(&cfg, "pat", nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	_, err = NewClient(&cfg, "", testLogger())
	assert.ErrorContains(t, err, "auth token is required")
}

func TestGetUserProfile(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		client := newTestClient(t, newFakeSynapse(), "pat")
		profile, err := client.GetUserProfile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "bsmn-sync", profile.UserName)
	})

	t.Run("invalid token", func(t *testing.T) {
		client := newTestClient(t, newFakeSynapse(), "bad")
		_, err := client.GetUserProfile(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 401: Invalid access token")
	})
}

func TestLookupChildNotFound(t *testing.T) {
	client := newTestClient(t, newFakeSynapse(), "pat")
	id, err := client.LookupChild(context.Background(), "syn1", "missing.bam")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestStoreFile(t *testing.T) {
	fake := newFakeSynapse()
	client := newTestClient(t, fake, "pat")
	ctx := context.Background()

	spec := FileSpec{
		URL:         "s3://NDAR_Central_1/submission_101/5154_NeuN.bam",
		Name:        "5154_NeuN.bam",
		ContentType: "application/octet-stream",
		MD5:         "abc",
		Size:        1024,
		Annotations: map[string]string{"submission_id": "101", "subjectkey": "NDAR_INVAB123"},
	}

	t.Run("creates new entity", func(t *testing.T) {
		id, created, err := client.StoreFile(ctx, "syn1", spec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, strings.HasPrefix(id, "syn"))

		entity, err := client.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, FileEntityType, entity.ConcreteType)
		assert.Equal(t, "syn1", entity.ParentID)
		assert.Equal(t, "s3://NDAR_Central_1/submission_101/5154_NeuN.bam", fake.handles[entity.DataFileHandleID].ExternalURL)
		assert.Equal(t, int64(1024), fake.handles[entity.DataFileHandleID].ContentSize)

		ann, err := client.GetAnnotations(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"submission_id": "101", "subjectkey": "NDAR_INVAB123"}, ann.Strings())
		assert.Equal(t, "STRING", ann.Annotations["submission_id"].Type)
	})

	t.Run("updates existing entity", func(t *testing.T) {
		spec := spec
		spec.Annotations = map[string]string{"submission_id": "102", "subjectkey": ""}

		id, created, err := client.StoreFile(ctx, "syn1", spec)
		require.NoError(t, err)
		assert.False(t, created)

		entity, err := client.GetEntity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), entity.VersionNumber)

		ann, err := client.GetAnnotations(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"submission_id": "102"}, ann.Strings())
	})

	t.Run("retries stale etag once", func(t *testing.T) {
		fake.mu.Lock()
		fake.staleOnce = true
		before := fake.puts
		fake.mu.Unlock()

		_, created, err := client.StoreFile(ctx, "syn1", spec)
		require.NoError(t, err)
		assert.False(t, created)

		fake.mu.Lock()
		assert.Equal(t, before+2, fake.puts)
		fake.mu.Unlock()
	})

	t.Run("validation", func(t *testing.T) {
		_, _, err := client.StoreFile(ctx, "", spec)
		assert.Error(t, err)

		noName := spec
		noName.Name = ""
		_, _, err = client.StoreFile(ctx, "syn1", noName)
		assert.Error(t, err)
	})
}

func TestUpdateEntityConflictSurfaces(t *testing.T) {
	fake := newFakeSynapse()
	client := newTestClient(t, fake, "pat")
	ctx := context.Background()

	created, err := client.CreateEntity(ctx, &Entity{Name: "a", ParentID: "syn1", ConcreteType: FileEntityType})
	require.NoError(t, err)

	created.Etag = "stale"
	_, err = client.UpdateEntity(ctx, created)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

package artifact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/artifact"
)

// memStore is an in-memory artifact.Service for exercising LoadJSON/StoreJSON
// without a Redis dependency.
type memStore struct {
	blobs   map[string][]byte
	version map[string]int
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}, version: map[string]int{}}
}

func (s *memStore) key(appName, userID, sessionID, filename string, version int) string {
	return appName + "/" + userID + "/" + sessionID + "/" + filename + "#" + string(rune('0'+version))
}

func (s *memStore) Put(ctx context.Context, appName, userID, sessionID, filename string, data []byte, mediaType string) (int, error) {
	prefix := appName + "/" + userID + "/" + sessionID + "/" + filename
	s.version[prefix]++
	v := s.version[prefix]
	s.blobs[s.key(appName, userID, sessionID, filename, v)] = data
	return v, nil
}

func (s *memStore) Get(ctx context.Context, ref artifact.Ref) ([]byte, error) {
	v := ref.Version
	if v == 0 {
		v = s.version[ref.AppName+"/"+ref.UserID+"/"+ref.SessionID+"/"+ref.Filename]
	}
	b, ok := s.blobs[s.key(ref.AppName, ref.UserID, ref.SessionID, ref.Filename, v)]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func TestRef_URI(t *testing.T) {
	ref := artifact.Ref{AppName: "wfexec", UserID: "u1", SessionID: "s1", Filename: "out.json", Version: 3}
	assert.Equal(t, "artifact://wfexec/u1/s1/out.json?version=3", ref.URI())
}

func TestStoreJSON_Then_LoadJSON_RoundTrips(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	ref, err := artifact.StoreJSON(ctx, store, "wfexec", "u1", "s1", "result.json", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Version)

	got, err := artifact.LoadJSON(ctx, store, ref)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got)
}

func TestLoadJSON_InvalidJSONIsError(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	store.blobs[store.key("wfexec", "u1", "s1", "bad.json", 1)] = []byte("not json")
	store.version["wfexec/u1/s1/bad.json"] = 1

	_, err := artifact.LoadJSON(ctx, store, artifact.Ref{AppName: "wfexec", UserID: "u1", SessionID: "s1", Filename: "bad.json", Version: 1})
	assert.Error(t, err)
}

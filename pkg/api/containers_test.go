package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

// signedPath turns a signed absolute URL into the path httptest requests use.
func signedPath(t *testing.T, url string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(url, testBaseURL), url)
	return strings.TrimPrefix(url, testBaseURL)
}

func TestContainerLifecycle(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/containers", testUserToken, ContainerCreateRequest{Name: "fuzz-corpus"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decodeBody[ContainerInfo](t, rec)
	assert.Equal(t, "fuzz-corpus", info.Name)
	assert.Contains(t, info.URL, "/api/containers/fuzz-corpus?token=")

	rec = f.do(t, http.MethodGet, "/containers", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ContainerInfo](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "fuzz-corpus", list[0].Name)

	rec = f.do(t, http.MethodGet, "/containers?name=fuzz-corpus", testUserToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[ContainerInfo](t, rec).URL, "token=")

	rec = f.do(t, http.MethodDelete, "/containers", testUserToken, ContainerCreateRequest{Name: "fuzz-corpus"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/containers?name=fuzz-corpus", testUserToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerCreateRejectsBadName(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/containers", testUserToken, ContainerCreateRequest{Name: "Bad_Name!"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrorInvalidContainer, decodeBody[ErrorResponse](t, rec).Code)
}

func TestDownloadRedirect(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.blobs.CreateContainer("crash-reports"))
	require.NoError(t, f.blobs.Put("crash-reports", "crash-1.json", strings.NewReader(`{"crash":"oob"}`)))

	rec := f.do(t, http.MethodGet, "/download?container=crash-reports&filename=crash-1.json", testUserToken, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "/api/containers/crash-reports?token=")
	assert.Contains(t, location, "filename=crash-1.json")

	rec = f.do(t, http.MethodGet, "/download?container=crash-reports&filename=missing.json", testUserToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/download?container=crash-reports", testUserToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignedContainerRoundTrip(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.blobs.CreateContainer("sync-inputs"))

	signed, err := f.blobs.SignedContainerURL("sync-inputs", time.Hour)
	require.NoError(t, err)
	path := signedPath(t, signed)

	// Uploads land in the container and announce themselves on the
	// file-changes queue.
	rec := f.do(t, http.MethodPut, path+"&filename=seed-1", "", []byte("interesting input"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msg, err := f.queues.Pop(types.QueueFileChanges, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var change types.FileChange
	require.NoError(t, json.Unmarshal(msg.Body, &change))
	assert.Empty(t, cmp.Diff(types.FileChange{Container: "sync-inputs", Filename: "seed-1"}, change))

	rec = f.do(t, http.MethodGet, path+"&filename=seed-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "interesting input", rec.Body.String())

	rec = f.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"seed-1"}, decodeBody[[]string](t, rec))

	rec = f.do(t, http.MethodGet, path+"&filename=missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignedContainerTokenScoping(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.blobs.CreateContainer("sync-inputs"))
	require.NoError(t, f.blobs.CreateContainer("other"))

	otherSigned, err := f.blobs.SignedContainerURL("other", time.Hour)
	require.NoError(t, err)
	token := otherSigned[strings.Index(otherSigned, "token=")+len("token="):]

	// A credential for one container opens no other.
	rec := f.do(t, http.MethodGet, "/api/containers/sync-inputs?token="+token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/containers/sync-inputs?token=garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/containers/sync-inputs?token="+token+"&filename=x", "", []byte("y"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignedContainerPutRequiresFilename(t *testing.T) {
	f := newTestServer(t)
	require.NoError(t, f.blobs.CreateContainer("sync-inputs"))

	signed, err := f.blobs.SignedContainerURL("sync-inputs", time.Hour)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, signedPath(t, signed), "", []byte("data"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

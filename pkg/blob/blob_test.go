package blob

import (
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/security"
)

func testBlobStore(t *testing.T) *Store {
	t.Helper()
	signer := security.NewSigner([]byte("blob-test-secret"))
	s, err := New(t.TempDir(), signer, "http://127.0.0.1:8080")
	require.NoError(t, err)
	return s
}

// TestContainerLifecycle tests create, list and delete
func TestContainerLifecycle(t *testing.T) {
	s := testBlobStore(t)

	require.NoError(t, s.CreateContainer("setup-abc"))
	require.NoError(t, s.CreateContainer("crashes-abc"))
	assert.True(t, s.ContainerExists("setup-abc"))

	names, err := s.ListContainers()
	require.NoError(t, err)
	assert.Equal(t, []string{"crashes-abc", "setup-abc"}, names)

	require.NoError(t, s.DeleteContainer("setup-abc"))
	assert.False(t, s.ContainerExists("setup-abc"))
}

// TestPutOpenList tests blob round trip and nested names
func TestPutOpenList(t *testing.T) {
	s := testBlobStore(t)
	require.NoError(t, s.CreateContainer("corpus"))

	require.NoError(t, s.Put("corpus", "seed-1", strings.NewReader("aaaa")))
	require.NoError(t, s.Put("corpus", "dir/seed-2", strings.NewReader("bbbb")))

	r, err := s.Open("corpus", "dir/seed-2")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(data))

	names, err := s.List("corpus")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/seed-2", "seed-1"}, names)
}

// TestMissingLookups tests absent container and blob errors
func TestMissingLookups(t *testing.T) {
	s := testBlobStore(t)

	_, err := s.Open("nope", "x")
	assert.ErrorIs(t, err, ErrContainerNotFound)

	require.NoError(t, s.CreateContainer("corpus"))
	_, err = s.Open("corpus", "missing")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	err = s.Put("nope", "x", strings.NewReader("y"))
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

// TestNameValidation tests container naming and path traversal rejection
func TestNameValidation(t *testing.T) {
	s := testBlobStore(t)

	assert.Error(t, s.CreateContainer("Has-Upper"))
	assert.Error(t, s.CreateContainer("ab"))
	assert.Error(t, s.CreateContainer("../escape"))

	require.NoError(t, s.CreateContainer("corpus"))
	assert.Error(t, s.Put("corpus", "../outside", strings.NewReader("x")))
	assert.Error(t, s.Put("corpus", "/abs", strings.NewReader("x")))
}

// TestSignedURLs tests credential minting and verification
func TestSignedURLs(t *testing.T) {
	s := testBlobStore(t)
	require.NoError(t, s.CreateContainer("setup-abc"))

	raw, err := s.SignedContainerURL("setup-abc", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/api/containers/setup-abc", u.Path)

	container, err := s.VerifyURLToken(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "setup-abc", container)

	blobURL, err := s.SignedBlobURL("setup-abc", "report.json", time.Hour)
	require.NoError(t, err)
	u, err = url.Parse(blobURL)
	require.NoError(t, err)
	assert.Equal(t, "report.json", u.Query().Get("filename"))
}

// TestSignedURLWrongScope tests that non-container credentials are refused
func TestSignedURLWrongScope(t *testing.T) {
	signer := security.NewSigner([]byte("blob-test-secret"))
	s, err := New(t.TempDir(), signer, "http://127.0.0.1:8080")
	require.NoError(t, err)

	queueToken, err := signer.Mint(security.Claims{
		Scope:     security.ScopeQueue,
		Subject:   "pool-x",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = s.VerifyURLToken(queueToken)
	assert.ErrorIs(t, err, security.ErrTokenInvalid)
}

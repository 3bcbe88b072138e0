// Package blob stores container blobs on the local filesystem and mints
// signed download URLs with expiry.
//
// Containers are directories under the store root; blob names may contain
// slashes but never escape their container. Signed URLs embed a
// container-scoped credential so holders can fetch blobs without user
// credentials, mirroring shared-access URLs from cloud blob services.
package blob

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/security"
)

var (
	// ErrContainerNotFound is returned for operations on absent containers.
	ErrContainerNotFound = errors.New("container not found")
	// ErrBlobNotFound is returned when the named blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")

	containerNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,62}$`)
)

// Store is a filesystem-backed blob container store.
type Store struct {
	root    string
	signer  *security.Signer
	baseURL string
}

// New creates a store rooted at root. baseURL prefixes signed URLs.
func New(root string, signer *security.Signer, baseURL string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create blob root")
	}
	return &Store{
		root:    root,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// ValidContainerName reports whether name is usable as a container name.
func ValidContainerName(name string) bool {
	return containerNameRe.MatchString(name)
}

func (s *Store) containerPath(container string) (string, error) {
	if !ValidContainerName(container) {
		return "", errors.Errorf("invalid container name %q", container)
	}
	return filepath.Join(s.root, container), nil
}

func (s *Store) blobPath(container, name string) (string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", errors.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// CreateContainer creates the container if it does not exist.
func (s *Store) CreateContainer(container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "failed to create container %s", container)
}

// DeleteContainer removes the container and every blob in it.
func (s *Store) DeleteContainer(container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.RemoveAll(dir), "failed to delete container %s", container)
}

// ContainerExists reports whether the container exists.
func (s *Store) ContainerExists(container string) bool {
	dir, err := s.containerPath(container)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// BlobExists reports whether a blob exists in the container.
func (s *Store) BlobExists(container, name string) bool {
	path, err := s.blobPath(container, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ListContainers returns all container names in sorted order.
func (s *Store) ListContainers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Put writes a blob, creating parent directories for nested names.
func (s *Store) Put(container, name string, r io.Reader) error {
	if !s.ContainerExists(container) {
		return errors.Wrapf(ErrContainerNotFound, "%s", container)
	}
	path, err := s.blobPath(container, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create blob dir")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create blob")
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrap(err, "failed to write blob")
	}
	return nil
}

// Open returns a reader for the blob.
func (s *Store) Open(container, name string) (io.ReadCloser, error) {
	if !s.ContainerExists(container) {
		return nil, errors.Wrapf(ErrContainerNotFound, "%s", container)
	}
	path, err := s.blobPath(container, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrBlobNotFound, "%s/%s", container, name)
		}
		return nil, errors.Wrap(err, "failed to open blob")
	}
	return f, nil
}

// List returns the blob names in a container, sorted, using slash
// separators regardless of platform.
func (s *Store) List(container string) ([]string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return nil, err
	}
	if !s.ContainerExists(container) {
		return nil, errors.Wrapf(ErrContainerNotFound, "%s", container)
	}

	var names []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list container %s", container)
	}
	sort.Strings(names)
	return names, nil
}

// SignedContainerURL mints a URL granting read access to the whole
// container until expiry.
func (s *Store) SignedContainerURL(container string, expiry time.Duration) (string, error) {
	return s.signedURL(container, "", expiry)
}

// SignedBlobURL mints a URL granting read access to one blob until expiry.
func (s *Store) SignedBlobURL(container, name string, expiry time.Duration) (string, error) {
	return s.signedURL(container, name, expiry)
}

func (s *Store) signedURL(container, name string, expiry time.Duration) (string, error) {
	if !ValidContainerName(container) {
		return "", errors.Errorf("invalid container name %q", container)
	}
	token, err := s.signer.Mint(security.Claims{
		Scope:     security.ScopeContainer,
		Subject:   container,
		ExpiresAt: time.Now().UTC().Add(expiry),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to mint container credential")
	}

	q := url.Values{}
	q.Set("token", token)
	if name != "" {
		q.Set("filename", name)
	}
	return s.baseURL + "/api/containers/" + container + "?" + q.Encode(), nil
}

// VerifyURLToken checks a container credential and returns the container
// it grants access to.
func (s *Store) VerifyURLToken(token string) (string, error) {
	claims, err := s.signer.Verify(token, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if claims.Scope != security.ScopeContainer {
		return "", errors.Wrap(security.ErrTokenInvalid, "wrong scope")
	}
	return claims.Subject, nil
}

package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrKeyGeneration covers both a failed key generation and an attempt
	// to generate a second keypair for the same identity.
	ErrKeyGeneration = errors.New("key generation failed")
	// ErrUnknownIdentity means no key material is stored for the name
	// (never registered, already revoked, or a relay node).
	ErrUnknownIdentity = errors.New("no key material for identity")
)

const keyBits = 2048

// DistributionError reports the peers whose public keys could not be copied
// into an instance. Distribution is best-effort: every peer is attempted
// before the error is returned.
type DistributionError struct {
	Instance string
	Failed   map[string]error
}

func (e *DistributionError) Error() string {
	peers := make([]string, 0, len(e.Failed))
	for peer := range e.Failed {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return fmt.Sprintf("key distribution to %s failed for peers: %s", e.Instance, strings.Join(peers, ", "))
}

// Copier places a host file into a named instance. Implemented by the
// container runtime.
type Copier interface {
	CopyInto(instance, hostPath, instPath string) error
}

// Store holds one RSA keypair per identity as PEM files under a session
// directory: <name>.pem (private, 0600) and <name>.pub.pem (public, 0644).
type Store struct {
	dir    string
	public map[string][]byte
}

// New creates the session key directory and an empty store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Store{dir: dir, public: map[string][]byte{}}, nil
}

// Dir returns the session key directory.
func (s *Store) Dir() string { return s.dir }

// Generate creates a fresh keypair for name and persists both halves.
func (s *Store) Generate(name string) error {
	if _, ok := s.public[name]; ok {
		return fmt.Errorf("%w: %s already has a keypair", ErrKeyGeneration, name)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(s.PrivateKeyPath(name), privPEM, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if err := os.WriteFile(s.PublicKeyPath(name), pubPEM, 0o644); err != nil {
		_ = os.Remove(s.PrivateKeyPath(name))
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	s.public[name] = pubPEM
	return nil
}

// Has reports whether name currently has a keypair.
func (s *Store) Has(name string) bool {
	_, ok := s.public[name]
	return ok
}

// Names returns every identity with a stored keypair, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.public))
	for name := range s.public {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PublicKeyOf returns the PEM public key material for name.
func (s *Store) PublicKeyOf(name string) ([]byte, error) {
	pub, ok := s.public[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	return pub, nil
}

// PrivateKeyPath is the host path of name's private key file.
func (s *Store) PrivateKeyPath(name string) string {
	return filepath.Join(s.dir, name+".pem")
}

// PublicKeyPath is the host path of name's public key file.
func (s *Store) PublicKeyPath(name string) string {
	return filepath.Join(s.dir, name+".pub.pem")
}

// DistributeTo copies the public keys of peers into instance's key directory
// via the copier. Every peer is attempted; failures are collected into a
// single DistributionError.
func (s *Store) DistributeTo(instance string, instDir string, peers []string, c Copier) error {
	failed := map[string]error{}
	for _, peer := range peers {
		if _, ok := s.public[peer]; !ok {
			failed[peer] = fmt.Errorf("%w: %s", ErrUnknownIdentity, peer)
			continue
		}
		dst := instDir + "/" + peer + ".pub.pem"
		if err := c.CopyInto(instance, s.PublicKeyPath(peer), dst); err != nil {
			failed[peer] = err
		}
	}
	if len(failed) > 0 {
		return &DistributionError{Instance: instance, Failed: failed}
	}
	return nil
}

// Revoke deletes stored key material for name. Revoking an identity with no
// stored keys is not an error.
func (s *Store) Revoke(name string) error {
	delete(s.public, name)
	var errs []error
	for _, path := range []string{s.PrivateKeyPath(name), s.PublicKeyPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Purge removes the whole session key directory.
func (s *Store) Purge() error {
	s.public = map[string][]byte{}
	return os.RemoveAll(s.dir)
}

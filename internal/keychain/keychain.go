// Package keychain implements the per-database Keychain (spec.md §3): a
// documentId → {publicKey, secretKey} mapping from which DiscoveryID derives
// a per-document discovery identifier. Nothing in this repository derives
// storage namespaces from these keys, and StoreManager does not advertise
// DiscoveryID values: it joins signal servers with raw documentIds. The
// keys are deliberately inert for peer authentication, which the Non-goals
// delegate to the transport layer.
package keychain

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

var bucketName = []byte("keychain")

// KeyPair is one documentId's identity. PublicKey and SecretKey are the
// raw 32-byte nacl/box keys.
type KeyPair struct {
	PublicKey [32]byte
	SecretKey [32]byte
}

// Bundle is KeyPair's portable, Export/Import form.
type Bundle struct {
	DocumentID string `json:"documentId"`
	PublicKey  string `json:"publicKey"`
	SecretKey  string `json:"secretKey"`
}

// Keychain is process-wide state (spec.md §5) backed by a bbolt database.
// Per spec.md §5, reads may be concurrent; writes are exclusive — bbolt's
// own single-writer, multi-reader transaction model gives us this for free,
// with an additional in-process mutex guarding the create-if-absent path in
// Get so two goroutines racing to create the same documentId's keypair
// don't each generate one.
type Keychain struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Keychain, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("keychain: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("keychain: init bucket: %w", err)
	}
	return &Keychain{db: db}, nil
}

// Get returns documentId's keypair, generating and persisting one on first
// reference.
func (k *Keychain) Get(documentId string) (KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if kp, ok, err := k.lookup(documentId); err != nil {
		return KeyPair{}, err
	} else if ok {
		return kp, nil
	}

	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keychain: generate keypair: %w", err)
	}
	kp := KeyPair{PublicKey: *pub, SecretKey: *sec}
	if err := k.store(documentId, kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

func (k *Keychain) lookup(documentId string) (KeyPair, bool, error) {
	var kp KeyPair
	var found bool
	err := k.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(documentId))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &kp)
	})
	return kp, found, err
}

func (k *Keychain) store(documentId string, kp KeyPair) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(kp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketName).Put([]byte(documentId), data)
	})
}

// DiscoveryID returns a discovery identifier for documentId: a blake2b-256
// digest of the public key, so whoever is given the identifier never sees
// the key itself. StoreManager does not call it.
func (k *Keychain) DiscoveryID(documentId string) (string, error) {
	kp, err := k.Get(documentId)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(kp.PublicKey[:])
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// KnownDocumentIDs enumerates every documentId with a stored keypair.
func (k *Keychain) KnownDocumentIDs() ([]string, error) {
	var ids []string
	err := k.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	return ids, err
}

// Export returns documentId's keypair in portable form, so an operator can
// move a document's discovery identity between databases (SPEC_FULL.md §D).
func (k *Keychain) Export(documentId string) (Bundle, error) {
	kp, ok, err := k.lookup(documentId)
	if err != nil {
		return Bundle{}, err
	}
	if !ok {
		return Bundle{}, fmt.Errorf("keychain: no keypair for %q", documentId)
	}
	return Bundle{
		DocumentID: documentId,
		PublicKey:  base64.StdEncoding.EncodeToString(kp.PublicKey[:]),
		SecretKey:  base64.StdEncoding.EncodeToString(kp.SecretKey[:]),
	}, nil
}

// Import installs bundle under its DocumentID, overwriting any existing
// keypair for that documentId.
func (k *Keychain) Import(bundle Bundle) error {
	pub, err := base64.StdEncoding.DecodeString(bundle.PublicKey)
	if err != nil || len(pub) != 32 {
		return fmt.Errorf("keychain: import %q: malformed public key", bundle.DocumentID)
	}
	sec, err := base64.StdEncoding.DecodeString(bundle.SecretKey)
	if err != nil || len(sec) != 32 {
		return fmt.Errorf("keychain: import %q: malformed secret key", bundle.DocumentID)
	}

	var kp KeyPair
	copy(kp.PublicKey[:], pub)
	copy(kp.SecretKey[:], sec)

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.store(bundle.DocumentID, kp)
}

// Close closes the underlying database.
func (k *Keychain) Close() error {
	return k.db.Close()
}

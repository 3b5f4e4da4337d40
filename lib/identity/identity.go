// Package identity holds the device's tunnel identity: its WireGuard
// keypair and the tunnel addresses the provider assigned to that key. The
// identity lives in a JSON file under the data directory.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
)

const (
	// IdentityFileName is the file the identity is stored in.
	IdentityFileName = "device.json"

	// DeviceIDLength is how many bytes of the public key hash form the
	// device ID.
	DeviceIDLength = 8
)

// Identity is the device's tunnel identity. It is safe for concurrent use.
type Identity struct {
	mu        sync.RWMutex
	key       wgtypes.Key
	deviceID  string
	addresses []netip.Addr
	createdAt time.Time
}

// NewIdentity generates a fresh keypair.
func NewIdentity() (*Identity, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating WireGuard private key: %w", err)
	}
	return &Identity{
		key:       key,
		deviceID:  deriveDeviceID(key.PublicKey()),
		createdAt: time.Now(),
	}, nil
}

// deriveDeviceID is the hex of the first DeviceIDLength bytes of
// SHA-256(public key).
func deriveDeviceID(pub wgtypes.Key) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:DeviceIDLength])
}

// record is the on-disk form. PublicKey and DeviceID are redundant and are
// checked against the private key on load.
type record struct {
	PrivateKey string       `json:"private_key"`
	PublicKey  string       `json:"public_key"`
	DeviceID   string       `json:"device_id"`
	Addresses  []netip.Addr `json:"addresses,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (r record) decode() (*Identity, error) {
	key, err := wgtypes.ParseKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing WireGuard private key: %w", err)
	}
	pub := key.PublicKey()

	switch {
	case r.PublicKey != pub.String():
		return nil, fmt.Errorf("public key does not match private key: %w", apperrors.ErrInvalidInput)
	case r.DeviceID != deriveDeviceID(pub):
		return nil, fmt.Errorf("device id does not match public key: %w", apperrors.ErrInvalidInput)
	}
	for _, a := range r.Addresses {
		if !a.IsValid() {
			return nil, fmt.Errorf("invalid tunnel address: %w", apperrors.ErrInvalidInput)
		}
	}

	return &Identity{
		key:       key,
		deviceID:  r.DeviceID,
		addresses: r.Addresses,
		createdAt: r.CreatedAt,
	}, nil
}

// LoadIdentity reads the identity at path. A missing file yields nil, nil.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	id, err := r.decode()
	if err != nil {
		return nil, fmt.Errorf("identity file %s: %w", path, err)
	}
	return id, nil
}

// LoadOrCreate loads the identity at path or, if there is none yet,
// generates one and saves it there. created reports which happened.
func LoadOrCreate(path string) (id *Identity, created bool, err error) {
	if id, err = LoadIdentity(path); err != nil || id != nil {
		return id, false, err
	}

	if id, err = NewIdentity(); err != nil {
		return nil, false, err
	}
	if err = id.Save(path); err != nil {
		return nil, false, err
	}
	log.WithField("device_id", id.DeviceID()).Info("generated new device identity")
	return id, true, nil
}

// Save writes the identity to path, replacing any previous file atomically.
func (id *Identity) Save(path string) error {
	id.mu.RLock()
	r := record{
		PrivateKey: id.key.String(),
		PublicKey:  id.key.PublicKey().String(),
		DeviceID:   id.deviceID,
		Addresses:  id.addresses,
		CreatedAt:  id.createdAt,
	}
	id.mu.RUnlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	return replaceFile(path, data)
}

// replaceFile writes data to a temp file next to path, syncs it and renames
// it over path. The file is only ever readable by the owner.
func replaceFile(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.Remove(f.Name()); rmErr != nil {
				log.WithError(rmErr).Debug("removing temp identity file")
			}
		}
	}()

	if err = f.Chmod(0o600); err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("renaming identity file: %w", err)
	}
	return nil
}

// PrivateKey returns the WireGuard private key.
func (id *Identity) PrivateKey() wgtypes.Key {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.key
}

// PublicKey returns the WireGuard public key.
func (id *Identity) PublicKey() wgtypes.Key {
	return id.PrivateKey().PublicKey()
}

// DeviceID returns the hex device identifier.
func (id *Identity) DeviceID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.deviceID
}

// Addresses returns a copy of the assigned tunnel addresses.
func (id *Identity) Addresses() []netip.Addr {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return append([]netip.Addr(nil), id.addresses...)
}

// SetAddresses records the tunnel addresses assigned to this key.
func (id *Identity) SetAddresses(addrs []netip.Addr) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.addresses = append([]netip.Addr(nil), addrs...)
}

// CreatedAt returns when the keypair was generated.
func (id *Identity) CreatedAt() time.Time {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.createdAt
}

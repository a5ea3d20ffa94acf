package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
)

const (
	relayFileName = "relay.json"
	keyFileName   = "relay.key"

	// relayKeyEnv, when set to 64 hex chars, overrides the per-machine
	// key file.
	relayKeyEnv = "OBSERVATORY_RELAY_KEY"
)

// RelayTarget is one configured uplink. Tokens are AES-GCM encrypted at
// rest; plaintext values found in the file are accepted and re-written
// encrypted on the next save.
type RelayTarget struct {
	PylonID         string    `json:"pylonId"`
	PylonName       string    `json:"pylonName,omitempty"`
	WSURL           string    `json:"wsUrl"`
	Token           string    `json:"token,omitempty"`
	TokenEnc        string    `json:"tokenEnc,omitempty"`
	RefreshToken    string    `json:"refreshToken,omitempty"`
	RefreshTokenEnc string    `json:"refreshTokenEnc,omitempty"`
	Projects        []string  `json:"projects,omitempty"`
	AddedAt         time.Time `json:"addedAt,omitempty"`
}

type relayFile struct {
	Targets []RelayTarget `json:"targets"`
}

// RelayStore reads and writes the relay config with token encryption.
type RelayStore struct {
	path    string
	keyPath string
}

func NewRelayStore(dir string) *RelayStore {
	return &RelayStore{
		path:    filepath.Join(dir, relayFileName),
		keyPath: filepath.Join(dir, keyFileName),
	}
}

// Load returns the configured targets with tokens decrypted. A missing or
// malformed file is an empty configuration; an undecryptable token drops
// that target.
func (r *RelayStore) Load() []RelayTarget {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var f relayFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}

	key, err := r.key()
	if err != nil {
		return nil
	}

	out := make([]RelayTarget, 0, len(f.Targets))
	for _, t := range f.Targets {
		if t.Token == "" && t.TokenEnc != "" {
			plain, err := decrypt(key, t.TokenEnc)
			if err != nil {
				continue
			}
			t.Token = plain
		}
		if t.RefreshToken == "" && t.RefreshTokenEnc != "" {
			if plain, err := decrypt(key, t.RefreshTokenEnc); err == nil {
				t.RefreshToken = plain
			}
		}
		if t.PylonID == "" || t.WSURL == "" || t.Token == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Seal rewrites a relay file still carrying plaintext secrets so they
// land on disk encrypted. The parsed target list is written back whole,
// so entries missing a pylon id or URL survive the rewrite for the
// operator to repair. A missing or malformed file is left alone.
func (r *RelayStore) Seal() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var f relayFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	plain := false
	for _, t := range f.Targets {
		if t.Token != "" || t.RefreshToken != "" {
			plain = true
			break
		}
	}
	if !plain {
		return nil
	}
	return r.Save(f.Targets)
}

// Save writes the targets with every secret encrypted, atomically, and
// tightens the file mode to 0600.
func (r *RelayStore) Save(targets []RelayTarget) error {
	key, err := r.key()
	if err != nil {
		return fmt.Errorf("loading relay key: %w", err)
	}

	stored := make([]RelayTarget, 0, len(targets))
	for _, t := range targets {
		if t.Token != "" {
			enc, err := encrypt(key, t.Token)
			if err != nil {
				return fmt.Errorf("encrypting token for %s: %w", t.PylonID, err)
			}
			t.TokenEnc = enc
			t.Token = ""
		}
		if t.RefreshToken != "" {
			enc, err := encrypt(key, t.RefreshToken)
			if err != nil {
				return fmt.Errorf("encrypting refresh token for %s: %w", t.PylonID, err)
			}
			t.RefreshTokenEnc = enc
			t.RefreshToken = ""
		}
		stored = append(stored, t)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(relayFile{Targets: stored}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling relay config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".relay-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("setting relay file mode: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("renaming relay file: %w", err)
	}
	committed = true
	return nil
}

// key returns the 32-byte AES key: the env override when set, otherwise a
// machine-bound key persisted alongside the config.
func (r *RelayStore) key() ([]byte, error) {
	if hexKey := os.Getenv(relayKeyEnv); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%s must be 64 hex characters", relayKeyEnv)
		}
		return key, nil
	}

	if data, err := os.ReadFile(r.keyPath); err == nil {
		key, err := hex.DecodeString(string(data))
		if err == nil && len(key) == 32 {
			return key, nil
		}
	}

	// First run: derive a key from the machine id so the file survives
	// reinstalls of the daemon but not a move to another host.
	id, err := machineid.ProtectedID("session-observatory")
	if err != nil {
		return nil, fmt.Errorf("reading machine id: %w", err)
	}
	sum := sha256.Sum256([]byte(id))
	key := sum[:]

	if err := os.MkdirAll(filepath.Dir(r.keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(r.keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

func decrypt(key []byte, encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

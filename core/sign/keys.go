package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/sterile/core/fsx"
)

// KeyConfig names where key material comes from: a base64 file or an env var.
type KeyConfig struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
}

func (cfg KeyConfig) HasPrivateSource() bool {
	return cfg.PrivateKeyPath != "" || cfg.PrivateKeyEnv != ""
}

func (cfg KeyConfig) HasPublicSource() bool {
	return cfg.PublicKeyPath != "" || cfg.PublicKeyEnv != ""
}

// LoadSigningKey loads the private key and, when configured, checks that the
// public key belongs to it.
func LoadSigningKey(cfg KeyConfig) (KeyPair, error) {
	priv, err := loadPrivateKey(cfg)
	if err != nil {
		return KeyPair{}, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("unexpected public key type")
	}
	if cfg.HasPublicSource() {
		loaded, err := loadPublicKey(cfg)
		if err != nil {
			return KeyPair{}, err
		}
		if !loaded.Equal(pub) {
			return KeyPair{}, fmt.Errorf("public key does not match private key")
		}
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// LoadVerifyKey prefers an explicit public key and falls back to deriving it
// from the private key source.
func LoadVerifyKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.HasPublicSource() {
		return loadPublicKey(cfg)
	}
	if cfg.HasPrivateSource() {
		priv, err := loadPrivateKey(cfg)
		if err != nil {
			return nil, err
		}
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unexpected public key type")
		}
		return pub, nil
	}
	return nil, fmt.Errorf("public key not configured")
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if !cfg.HasPrivateSource() {
		return nil, fmt.Errorf("private key not configured")
	}
	encoded, err := readKeySource(cfg.PrivateKeyPath, cfg.PrivateKeyEnv, "private")
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyBase64(encoded)
}

func loadPublicKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	if cfg.PublicKeyPath != "" && cfg.PublicKeyEnv != "" {
		return nil, fmt.Errorf("public key source: set either path or env")
	}
	encoded, err := readKeySource(cfg.PublicKeyPath, cfg.PublicKeyEnv, "public")
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyBase64(encoded)
}

// readKeySource returns the base64 text from path, or from the env var when
// path is empty. Blank values count as unset.
func readKeySource(path, env, kind string) (string, error) {
	if path != "" {
		// #nosec G304 -- key path comes from the operator's flags or config
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s key: %w", kind, err)
		}
		return string(raw), nil
	}
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return "", fmt.Errorf("%s key env not set: %s", kind, env)
	}
	return value, nil
}

// KeyFiles names the pair written by WriteKeyPair.
type KeyFiles struct {
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	KeyID          string `json:"key_id"`
}

// WriteKeyPair stores pair as base64 files <prefix>_private.key (0600) and
// <prefix>_public.key (0644) in dir. Existing files are kept unless force.
func WriteKeyPair(dir, prefix string, pair KeyPair, force bool) (KeyFiles, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.ContainsAny(prefix, `/\`) {
		return KeyFiles{}, fmt.Errorf("key prefix must be a plain file name: %q", prefix)
	}
	files := KeyFiles{
		PrivateKeyPath: filepath.Join(dir, prefix+"_private.key"),
		PublicKeyPath:  filepath.Join(dir, prefix+"_public.key"),
		KeyID:          KeyID(pair.Public),
	}
	if !force {
		for _, path := range []string{files.PrivateKeyPath, files.PublicKeyPath} {
			if _, err := os.Lstat(path); err == nil {
				return KeyFiles{}, fmt.Errorf("%s already exists", path)
			}
		}
	}
	if err := fsx.WriteFileAtomic(files.PrivateKeyPath, []byte(base64.StdEncoding.EncodeToString(pair.Private)+"\n"), 0o600); err != nil {
		return KeyFiles{}, fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.WriteFileAtomic(files.PublicKeyPath, []byte(base64.StdEncoding.EncodeToString(pair.Public)+"\n"), 0o644); err != nil {
		return KeyFiles{}, fmt.Errorf("write public key: %w", err)
	}
	return files, nil
}

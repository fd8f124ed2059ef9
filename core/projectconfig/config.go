package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/sterile/core/sign"
)

const DefaultPath = ".sterile/config.yaml"

type Config struct {
	Sterility SterilityDefaults `yaml:"sterility"`
	Hash      HashDefaults      `yaml:"hash"`
	Package   PackageDefaults   `yaml:"package"`
	Rebuild   RebuildDefaults   `yaml:"rebuild"`
	Ledger    LedgerDefaults    `yaml:"ledger"`
	Seal      SealDefaults      `yaml:"seal"`
}

type SterilityDefaults struct {
	RawDir     string   `yaml:"raw_dir"`
	ScriptsDir string   `yaml:"scripts_dir"`
	Excludes   []string `yaml:"excludes"`
	Markers    []string `yaml:"markers"`
}

type HashDefaults struct {
	Record  string `yaml:"record"`
	Listing string `yaml:"listing"`
	Workers int    `yaml:"workers"`
}

type PackageDefaults struct {
	Prefix        string `yaml:"prefix"`
	OutputDir     string `yaml:"output_dir"`
	PrivateKey    string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv string `yaml:"private_key_env"`
	// Summaries writes the provenance summary and SBOM next to each archive.
	Summaries bool `yaml:"summaries"`
}

type RebuildDefaults struct {
	WorkDir      string `yaml:"work_dir"`
	PublicKey    string `yaml:"public_key"`
	PublicKeyEnv string `yaml:"public_key_env"`
}

type LedgerDefaults struct {
	Checksums string   `yaml:"checksums"`
	Sources   string   `yaml:"sources"`
	JSONL     string   `yaml:"jsonl"`
	SQLite    string   `yaml:"sqlite"`
	EnvKeys   []string `yaml:"env_keys"`
}

type SealDefaults struct {
	State string `yaml:"state"`
}

// Defaults is the configuration used when no file exists.
func Defaults() Config {
	var configuration Config
	configuration.normalize()
	return configuration
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Defaults(), nil
	}

	var configuration Config
	if err := yaml.UnmarshalWithOptions(content, &configuration, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	if configuration.Hash.Workers < 0 {
		return Config{}, fmt.Errorf("parse project config: hash.workers must not be negative")
	}
	configuration.normalize()
	return configuration, nil
}

// SigningKey maps the package key settings onto a key source.
func (configuration Config) SigningKey() sign.KeyConfig {
	return sign.KeyConfig{
		PrivateKeyPath: configuration.Package.PrivateKey,
		PrivateKeyEnv:  configuration.Package.PrivateKeyEnv,
	}
}

func (configuration Config) VerifyKey() sign.KeyConfig {
	return sign.KeyConfig{
		PublicKeyPath: configuration.Rebuild.PublicKey,
		PublicKeyEnv:  configuration.Rebuild.PublicKeyEnv,
	}
}

func (configuration *Config) normalize() {
	configuration.Sterility.RawDir = withDefault(configuration.Sterility.RawDir, "data/raw")
	configuration.Sterility.ScriptsDir = withDefault(configuration.Sterility.ScriptsDir, "scripts")
	configuration.Sterility.Excludes = trimAll(configuration.Sterility.Excludes, []string{".git"})
	configuration.Sterility.Markers = trimAll(configuration.Sterility.Markers, []string{".keep"})
	configuration.Hash.Record = withDefault(configuration.Hash.Record, "provenance/hash_tree.json")
	configuration.Hash.Listing = withDefault(configuration.Hash.Listing, "provenance/hash_tree.txt")
	configuration.Package.Prefix = withDefault(configuration.Package.Prefix, "release")
	configuration.Package.OutputDir = withDefault(configuration.Package.OutputDir, "dist")
	configuration.Package.PrivateKey = strings.TrimSpace(configuration.Package.PrivateKey)
	configuration.Package.PrivateKeyEnv = strings.TrimSpace(configuration.Package.PrivateKeyEnv)
	configuration.Rebuild.WorkDir = strings.TrimSpace(configuration.Rebuild.WorkDir)
	configuration.Rebuild.PublicKey = strings.TrimSpace(configuration.Rebuild.PublicKey)
	configuration.Rebuild.PublicKeyEnv = strings.TrimSpace(configuration.Rebuild.PublicKeyEnv)
	configuration.Ledger.Checksums = withDefault(configuration.Ledger.Checksums, "manifests/checksums.sha256")
	configuration.Ledger.Sources = withDefault(configuration.Ledger.Sources, "manifests/sources.yml")
	configuration.Ledger.JSONL = withDefault(configuration.Ledger.JSONL, "provenance/ledger.jsonl")
	configuration.Ledger.SQLite = strings.TrimSpace(configuration.Ledger.SQLite)
	configuration.Ledger.EnvKeys = trimAll(configuration.Ledger.EnvKeys, nil)
	configuration.Seal.State = withDefault(configuration.Seal.State, ".sterile/raw.seal.json")
}

func withDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

// trimAll trims entries and drops blanks; an empty result becomes fallback.
func trimAll(values, fallback []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

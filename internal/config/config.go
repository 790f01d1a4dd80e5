package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// Config holds the process-level configuration, loaded from environment
// variables. Per-spec configuration lives in the specs file (see SpecsFile).
type Config struct {
	SpecsFile     string
	ListenAddress string
	StoreBackend  string // "kubernetes" or "file"

	KubeconfigPath string // used when StoreBackend is "kubernetes"; empty means in-cluster
	FileStorePath  string // used when StoreBackend is "file"

	DefaultRefreshIntervalSeconds int
	BackoffBaseSeconds            int
	BackoffCapSeconds             int
	BackoffJitterFraction         float64
	FailureCeiling                int
	FetchTimeoutSeconds           int
	Workers                       int
}

// Defaults for everything the environment leaves unset.
const (
	DefaultSpecsFile              = "secretspecs.yaml"
	DefaultListenAddress          = ":8080"
	DefaultStoreBackend           = "kubernetes"
	DefaultFileStorePath          = "secrets.json.enc"
	DefaultRefreshIntervalSeconds = 60
	DefaultBackoffBaseSeconds     = 5
	DefaultBackoffCapSeconds      = 300
	DefaultBackoffJitterFraction  = 0.1
	DefaultFailureCeiling         = 10
	DefaultFetchTimeoutSeconds    = 10
	DefaultWorkers                = 4
)

// LoadConfig loads configuration from environment variables.
// All variables are optional; missing ones fall back to the defaults above.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		SpecsFile:                     envOrDefault("SPECS_FILE", DefaultSpecsFile),
		ListenAddress:                 envOrDefault("LISTEN_ADDRESS", DefaultListenAddress),
		StoreBackend:                  envOrDefault("STORE_BACKEND", DefaultStoreBackend),
		KubeconfigPath:                os.Getenv("KUBECONFIG_PATH"),
		FileStorePath:                 envOrDefault("FILE_STORE_PATH", DefaultFileStorePath),
		DefaultRefreshIntervalSeconds: DefaultRefreshIntervalSeconds,
		BackoffBaseSeconds:            DefaultBackoffBaseSeconds,
		BackoffCapSeconds:             DefaultBackoffCapSeconds,
		BackoffJitterFraction:         DefaultBackoffJitterFraction,
		FailureCeiling:                DefaultFailureCeiling,
		FetchTimeoutSeconds:           DefaultFetchTimeoutSeconds,
		Workers:                       DefaultWorkers,
	}

	if cfg.StoreBackend != "kubernetes" && cfg.StoreBackend != "file" {
		return nil, fmt.Errorf("STORE_BACKEND must be \"kubernetes\" or \"file\", got %q", cfg.StoreBackend)
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"DEFAULT_REFRESH_INTERVAL_SECONDS", &cfg.DefaultRefreshIntervalSeconds},
		{"BACKOFF_BASE_SECONDS", &cfg.BackoffBaseSeconds},
		{"BACKOFF_CAP_SECONDS", &cfg.BackoffCapSeconds},
		{"FAILURE_CEILING", &cfg.FailureCeiling},
		{"FETCH_TIMEOUT_SECONDS", &cfg.FetchTimeoutSeconds},
		{"WORKERS", &cfg.Workers},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", v.name, raw)
		}
		*v.dst = parsed
	}

	if raw := os.Getenv("BACKOFF_JITTER_FRACTION"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return nil, fmt.Errorf("BACKOFF_JITTER_FRACTION must be in [0, 1], got %q", raw)
		}
		cfg.BackoffJitterFraction = parsed
	}

	if cfg.BackoffCapSeconds < cfg.BackoffBaseSeconds {
		return nil, errors.New("BACKOFF_CAP_SECONDS must not be smaller than BACKOFF_BASE_SECONDS")
	}

	return cfg, nil
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// ProviderConfig declares one secret provider instance in the specs file.
type ProviderConfig struct {
	Name string `json:"name"`
	Type string `json:"type"` // currently "git"

	// Git provider settings.
	RepoURL   string `json:"repoURL,omitempty"`
	Branch    string `json:"branch,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
}

// SpecsFile is the YAML document declaring providers and secret specs.
type SpecsFile struct {
	Providers []ProviderConfig        `json:"providers"`
	Specs     []interfaces.SecretSpec `json:"specs"`
}

// LoadSpecsFile reads and validates the YAML specs file at path.
// A missing file is not an error: the process can start empty and receive
// specs through the management API.
func LoadSpecsFile(path string) (*SpecsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SpecsFile{}, nil
		}
		return nil, fmt.Errorf("failed to read specs file %q: %w", path, err)
	}

	var sf SpecsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse specs file %q: %w", path, err)
	}

	providerNames := make(map[string]bool)
	for i, p := range sf.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider #%d: name is required", i+1)
		}
		if providerNames[p.Name] {
			return nil, fmt.Errorf("provider %q declared more than once", p.Name)
		}
		providerNames[p.Name] = true
		switch p.Type {
		case "git":
			if p.RepoURL == "" || p.Branch == "" {
				return nil, fmt.Errorf("provider %q: git providers require repoURL and branch", p.Name)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}

	seenTargets := make(map[string]bool)
	for i, s := range sf.Specs {
		if s.Provider == "" || s.RemoteKey == "" || s.Namespace == "" || s.Name == "" {
			return nil, fmt.Errorf("spec #%d: provider, remoteKey, namespace, and name are required", i+1)
		}
		if !providerNames[s.Provider] {
			return nil, fmt.Errorf("spec #%d (%s/%s): references undeclared provider %q", i+1, s.Namespace, s.Name, s.Provider)
		}
		target := s.Namespace + "/" + s.Name
		if seenTargets[target] {
			return nil, fmt.Errorf("duplicate spec for target %s", target)
		}
		seenTargets[target] = true
	}

	return &sf, nil
}

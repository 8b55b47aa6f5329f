package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductionStorageRoot is where produced gridpacks land when the
// service runs in production. The folder content is synchronized
// to /cvmfs by an external process.
const ProductionStorageRoot = "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/PdmV/"

// Config holds every runtime setting for the service. Values come from
// environment variables; an optional YAML file may overlay them for
// development setups.
type Config struct {
	// Interval in seconds between automatic controller ticks
	TickInterval int `yaml:"tick_interval"`
	// Interval in seconds between template repository refreshes
	RepositoryUpdateInterval int `yaml:"repository_update_interval"`
	// Minimum pause in seconds between repository refreshes
	RepositoryTickPause int `yaml:"repository_tick_pause"`

	// Public URL of this service, included in notifications
	ServiceURL string `yaml:"service_url"`
	// Host where SSH sessions are opened for HTCondor and McM work
	SubmissionHost         string `yaml:"submission_host"`
	ServiceAccountUsername string `yaml:"service_account_username"`
	ServiceAccountPassword string `yaml:"service_account_password"`

	// Remote folder holding per-job submission bundles
	RemoteDirectory string `yaml:"remote_directory"`
	// Remote folder holding per-request McM submission bundles
	TicketsDirectory string `yaml:"tickets_directory"`

	// GitHub id of the generator productions repository
	GenRepository string `yaml:"gen_repository"`
	// Comma-separated roles allowed to operate on gridpacks
	Authorized string `yaml:"authorized"`

	// Storage root for produced gridpacks outside production
	GridpackDirectory string `yaml:"gridpack_directory"`
	// Local checkout of the GridpackFiles repository
	GridpackFilesPath string `yaml:"gridpack_files_path"`
	// Expected remote origin of the GridpackFiles checkout
	GridpackFilesRepository string `yaml:"gridpack_files_repository"`
	// Public folder where running job logs are streamed
	PublicStreamFolder string `yaml:"public_stream_folder"`

	// Submit jobs to the CMS CAF HTCondor pool
	UseHTCondorCAF bool `yaml:"use_htcondor_cms_caf"`
	Production     bool `yaml:"production"`
	// Send credentials when opening the SMTP session
	EmailAuth bool `yaml:"email_auth"`

	// Directory holding the document store file
	DataDirectory string `yaml:"data_directory"`

	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// Load builds the configuration from the environment, overlaying the
// YAML file at path when one is given. It returns an error naming every
// missing mandatory value so the process can abort before serving.
func Load(path string) (*Config, error) {
	cfg := &Config{
		TickInterval:             envInt("TICK_INTERVAL", 600),
		RepositoryUpdateInterval: envInt("REPOSITORY_UPDATE_INTERVAL", 1800),
		RepositoryTickPause:      envInt("REPOSITORY_TICK_PAUSE", 60),
		ServiceURL:               os.Getenv("SERVICE_URL"),
		SubmissionHost:           os.Getenv("SUBMISSION_HOST"),
		ServiceAccountUsername:   os.Getenv("SERVICE_ACCOUNT_USERNAME"),
		ServiceAccountPassword:   os.Getenv("SERVICE_ACCOUNT_PASSWORD"),
		RemoteDirectory:          os.Getenv("REMOTE_DIRECTORY"),
		TicketsDirectory:         os.Getenv("TICKETS_DIRECTORY"),
		GenRepository:            envString("GEN_REPOSITORY", "cms-sw/genproductions"),
		Authorized:               os.Getenv("AUTHORIZED"),
		GridpackDirectory:        os.Getenv("GRIDPACK_DIRECTORY"),
		GridpackFilesPath:        os.Getenv("GRIDPACK_FILES_PATH"),
		GridpackFilesRepository: envString("GRIDPACK_FILES_REPOSITORY",
			"https://github.com/cms-PdmV/GridpackFiles.git"),
		PublicStreamFolder: os.Getenv("PUBLIC_STREAM_FOLDER"),
		UseHTCondorCAF:     envBool("USE_HTCONDOR_CMS_CAF"),
		Production:         envBool("PRODUCTION"),
		EmailAuth:          envBool("EMAIL_AUTH"),
		DataDirectory:      envString("DATA_DIRECTORY", "data"),
		Host:               envString("HOST", "0.0.0.0"),
		Port:               envInt("PORT", 8000),
		Debug:              envBool("DEBUG"),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if missing := cfg.missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing mandatory configuration values: %s",
			strings.Join(missing, ", "))
	}

	return cfg, nil
}

// missing lists the mandatory values that are unset. Booleans and
// values with defaults are never mandatory.
func (c *Config) missing() []string {
	mandatory := []struct {
		name  string
		value string
	}{
		{"SERVICE_URL", c.ServiceURL},
		{"SUBMISSION_HOST", c.SubmissionHost},
		{"SERVICE_ACCOUNT_USERNAME", c.ServiceAccountUsername},
		{"SERVICE_ACCOUNT_PASSWORD", c.ServiceAccountPassword},
		{"REMOTE_DIRECTORY", c.RemoteDirectory},
		{"TICKETS_DIRECTORY", c.TicketsDirectory},
		{"AUTHORIZED", c.Authorized},
		{"GRIDPACK_DIRECTORY", c.GridpackDirectory},
		{"GRIDPACK_FILES_PATH", c.GridpackFilesPath},
		{"PUBLIC_STREAM_FOLDER", c.PublicStreamFolder},
	}

	var missing []string
	for _, m := range mandatory {
		if m.value == "" {
			missing = append(missing, m.name)
		}
	}
	return missing
}

// StorageRoot returns the folder under which produced gridpacks are
// archived. Production deployments always use the GEN group folder.
func (c *Config) StorageRoot() string {
	if c.Production {
		return ProductionStorageRoot
	}
	return c.GridpackDirectory
}

// AuthorizedRoles returns the authorized roles as a clean list
func (c *Config) AuthorizedRoles() []string {
	parts := strings.Split(c.Authorized, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	return os.Getenv(key) != ""
}

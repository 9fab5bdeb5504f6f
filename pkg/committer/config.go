package committer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
	"github.com/hashicorp-forge/hermes-committer/pkg/kafka"
)

const (
	DefaultQueueSize       = 1000
	DefaultCommitBatchSize = 100
	DefaultFlushInterval   = 30 * time.Second
	DefaultRetryMaxElapsed = 5 * time.Minute
	DefaultBackendType     = "solr"
)

// Config is the committer configuration, read from HCL.
type Config struct {
	// QueueDir is the directory holding pending operations.
	QueueDir string `hcl:"queue_dir"`

	// QueueSize is the number of pending operations that triggers a flush
	// from Add or Remove.
	QueueSize int `hcl:"queue_size,optional"`

	// CommitBatchSize is the maximum number of operations per backend
	// commit.
	CommitBatchSize int `hcl:"commit_batch_size,optional"`

	SourceContentField     string `hcl:"source_content_field,optional"`
	TargetContentField     string `hcl:"target_content_field,optional"`
	KeepSourceContentField bool   `hcl:"keep_source_content_field,optional"`

	SourceReferenceField     string `hcl:"source_reference_field,optional"`
	TargetReferenceField     string `hcl:"target_reference_field,optional"`
	KeepSourceReferenceField bool   `hcl:"keep_source_reference_field,optional"`

	// FlushInterval is how often Run flushes, as a Go duration string.
	FlushInterval string `hcl:"flush_interval,optional"`

	// RetryMaxElapsed bounds the backoff Run applies to an unavailable
	// backend before waiting for the next tick.
	RetryMaxElapsed string `hcl:"retry_max_elapsed,optional"`

	Backend *BackendConfig `hcl:"backend,block"`

	// Kafka configures the document topic read by the consume command.
	Kafka *kafka.Config `hcl:"kafka,block"`
}

// BackendConfig selects and configures the index backend.
type BackendConfig struct {
	// Type is the block label: "solr", "bleve" or "algolia".
	Type string `hcl:"type,label"`

	// Endpoint is the Solr core URL or the Bleve index path.
	Endpoint string `hcl:"endpoint,optional"`

	Timeout string `hcl:"timeout,optional"`

	// Params are passed uninterpreted on Solr add and commit requests.
	Params map[string]string `hcl:"params,optional"`

	// DeleteParams are passed uninterpreted on Solr delete requests.
	DeleteParams map[string]string `hcl:"delete_params,optional"`

	AppID        string `hcl:"app_id,optional"`
	APIKey       string `hcl:"api_key,optional"`
	IndexName    string `hcl:"index_name,optional"`
	WaitForTasks bool   `hcl:"wait_for_tasks,optional"`
}

// LoadConfig reads and validates an HCL configuration file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}
	return finishConfig(&cfg)
}

// ParseConfig decodes HCL source. filename is used in diagnostics and must
// end in ".hcl" or ".json".
func ParseConfig(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return finishConfig(&cfg)
}

func finishConfig(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CommitBatchSize == 0 {
		c.CommitBatchSize = DefaultCommitBatchSize
	}
	if c.FlushInterval == "" {
		c.FlushInterval = DefaultFlushInterval.String()
	}
	if c.RetryMaxElapsed == "" {
		c.RetryMaxElapsed = DefaultRetryMaxElapsed.String()
	}
	if c.Backend == nil {
		c.Backend = &BackendConfig{}
	}
	if c.Backend.Type == "" {
		c.Backend.Type = DefaultBackendType
	}
}

// Validate checks the configuration, including the backend block.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if c.Backend != nil {
		return c.Backend.Validate()
	}
	return nil
}

func (c *Config) validateQueue() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.QueueDir, validation.Required),
		validation.Field(&c.QueueSize, validation.Min(1)),
		validation.Field(&c.CommitBatchSize, validation.Min(1)),
		validation.Field(&c.FlushInterval, validation.By(isDuration)),
		validation.Field(&c.RetryMaxElapsed, validation.By(isDuration)),
	)
}

// Validate checks the backend block.
func (b *BackendConfig) Validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.Type, validation.Required, validation.In("solr", "bleve", "algolia")),
		validation.Field(&b.Endpoint, validation.When(b.Type == "solr", validation.Required)),
		validation.Field(&b.Timeout, validation.By(isDuration)),
		validation.Field(&b.AppID, validation.When(b.Type == "algolia", validation.Required)),
		validation.Field(&b.APIKey, validation.When(b.Type == "algolia", validation.Required)),
		validation.Field(&b.IndexName, validation.When(b.Type == "algolia", validation.Required)),
	)
}

func isDuration(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("must be a duration such as \"30s\"")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// Mapping returns the field renames for the mapper.
func (c *Config) Mapping() fieldmap.Config {
	return fieldmap.Config{
		SourceReferenceField:     c.SourceReferenceField,
		TargetReferenceField:     c.TargetReferenceField,
		KeepSourceReferenceField: c.KeepSourceReferenceField,
		SourceContentField:       c.SourceContentField,
		TargetContentField:       c.TargetContentField,
		KeepSourceContentField:   c.KeepSourceContentField,
	}
}

// FlushIntervalDuration returns FlushInterval, or the default when unset or
// invalid.
func (c *Config) FlushIntervalDuration() time.Duration {
	return parseDurationOr(c.FlushInterval, DefaultFlushInterval)
}

// RetryMaxElapsedDuration returns RetryMaxElapsed, or the default when unset
// or invalid.
func (c *Config) RetryMaxElapsedDuration() time.Duration {
	return parseDurationOr(c.RetryMaxElapsed, DefaultRetryMaxElapsed)
}

// TimeoutDuration returns the backend timeout, or zero when unset.
func (b *BackendConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(b.Timeout, 0)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// WriteHCL encodes the configuration as HCL.
func (c *Config) WriteHCL(w io.Writer) error {
	out := *c
	if out.Backend != nil {
		// A nil map would be written as null.
		b := *out.Backend
		if b.Params == nil {
			b.Params = map[string]string{}
		}
		if b.DeleteParams == nil {
			b.DeleteParams = map[string]string{}
		}
		out.Backend = &b
	}
	if out.Kafka != nil && out.Kafka.Brokers == nil {
		k := *out.Kafka
		k.Brokers = []string{}
		out.Kafka = &k
	}

	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(&out, f.Body())
	if _, err := w.Write(f.Bytes()); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := c.WriteHCL(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

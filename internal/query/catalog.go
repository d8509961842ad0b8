package query

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/sentinel/internal/config"
)

const (
	defaultBaseHost     = "logs.platform.internal"
	defaultEnvironments = "staging,dev,test"
)

// Source tags which catalog variant supplies query definitions.
type Source string

// Catalog sources.
const (
	// SourceStatic serves the queries compiled into the binary.
	SourceStatic Source = "static"
	// SourceFile serves queries from a YAML document on disk.
	SourceFile Source = "file"
)

var (
	// ErrUnknownSource is returned for a catalog source outside the supported set.
	ErrUnknownSource = errors.New("unknown catalog source")

	// ErrCatalogPathEmpty is returned when the file source is selected without a path.
	ErrCatalogPathEmpty = errors.New("catalog path cannot be empty for file source")

	// ErrDuplicateQuery is returned when two catalog entries share a name.
	ErrDuplicateQuery = errors.New("duplicate query name")

	// ErrDuplicateFingerprint is returned when two queries resolve to the same template
	// text and would share one window per tenant.
	ErrDuplicateFingerprint = errors.New("duplicate query template")

	// ErrEmptyCatalog is returned when a catalog resolves to no queries.
	ErrEmptyCatalog = errors.New("catalog contains no queries")

	// ErrMalformedCatalog is returned when the catalog document cannot be parsed.
	ErrMalformedCatalog = errors.New("malformed query catalog")
)

type (
	// Catalog supplies the ordered set of queries to run for an environment.
	// Load is deterministic for a given environment and configuration snapshot.
	Catalog interface {
		Load(environment string) ([]*Definition, error)
	}

	// CatalogConfig selects and parameterizes the catalog variant.
	CatalogConfig struct {
		Source       Source
		Path         string
		BaseHost     string
		Environments []string
	}

	// catalogEntry is the raw, pre-validation form of one query shared by every variant.
	//nolint:tagliatelle // snake_case is intentional for YAML catalog files
	catalogEntry struct {
		Name     string   `yaml:"name"`
		Kind     Kind     `yaml:"kind"`
		Template string   `yaml:"template"`
		Alert    bool     `yaml:"alert"`
		Summary  string   `yaml:"summary"`
		IDFields []string `yaml:"id_fields"`
	}

	catalogDocument struct {
		Queries []catalogEntry `yaml:"queries"`
	}

	staticCatalog struct {
		resolver *HostResolver
	}

	fileCatalog struct {
		path     string
		resolver *HostResolver
	}
)

// LoadCatalogConfig reads the catalog configuration from the environment.
func LoadCatalogConfig() *CatalogConfig {
	return &CatalogConfig{
		Source:   Source(strings.ToLower(config.GetEnvStr("SENTINEL_CATALOG_SOURCE", string(SourceStatic)))),
		Path:     config.GetEnvStr("SENTINEL_CATALOG_PATH", ""),
		BaseHost: config.GetEnvStr("SENTINEL_BASE_HOST", defaultBaseHost),
		Environments: config.ParseCommaSeparatedList(
			config.GetEnvStr("SENTINEL_ENVIRONMENTS", defaultEnvironments),
		),
	}
}

// Validate checks the catalog configuration.
func (c *CatalogConfig) Validate() error {
	switch c.Source {
	case SourceStatic:
	case SourceFile:
		if strings.TrimSpace(c.Path) == "" {
			return ErrCatalogPathEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
	}

	if strings.TrimSpace(c.BaseHost) == "" {
		return ErrEmptyBaseHost
	}

	return nil
}

// NewCatalog returns the catalog variant selected by cfg.
func NewCatalog(cfg *CatalogConfig) (Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolver, err := NewHostResolver(cfg.BaseHost, cfg.Environments)
	if err != nil {
		return nil, err
	}

	switch cfg.Source {
	case SourceFile:
		return &fileCatalog{path: cfg.Path, resolver: resolver}, nil
	default:
		return &staticCatalog{resolver: resolver}, nil
	}
}

// Load implements Catalog.
func (c *staticCatalog) Load(environment string) ([]*Definition, error) {
	return buildDefinitions(c.resolver, environment, builtinQueries())
}

// Load implements Catalog. The file is re-read on every call so a new configuration
// generation is picked up by reloading the catalog.
func (c *fileCatalog) Load(environment string) ([]*Definition, error) {
	data, err := os.ReadFile(c.path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("failed to read query catalog %s: %w", c.path, err)
	}

	entries, err := parseCatalog(data)
	if err != nil {
		return nil, err
	}

	return buildDefinitions(c.resolver, environment, entries)
}

func parseCatalog(data []byte) ([]catalogEntry, error) {
	var doc catalogDocument

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCatalog, err)
	}

	return doc.Queries, nil
}

// buildDefinitions resolves the environment host into each template and validates the
// entries in order. Any invalid entry fails the whole load.
func buildDefinitions(resolver *HostResolver, environment string, entries []catalogEntry) ([]*Definition, error) {
	host, err := resolver.Resolve(environment)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, ErrEmptyCatalog
	}

	defs := make([]*Definition, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	fingerprints := make(map[string]string, len(entries))

	for i, entry := range entries {
		var opts []DefinitionOption
		if entry.Alert {
			opts = append(opts, WithAlert(entry.Summary))
		}

		if len(entry.IDFields) > 0 {
			opts = append(opts, WithIDFields(entry.IDFields...))
		}

		template := strings.ReplaceAll(entry.Template, HostMarker, host)

		def, err := NewDefinition(entry.Name, entry.Kind, template, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedCatalog, i, err)
		}

		if _, dup := seen[def.Name()]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateQuery, def.Name())
		}

		if other, dup := fingerprints[def.Fingerprint()]; dup {
			return nil, fmt.Errorf("%w: %q and %q (fingerprint %s)",
				ErrDuplicateFingerprint, other, def.Name(), def.Fingerprint())
		}

		seen[def.Name()] = struct{}{}
		fingerprints[def.Fingerprint()] = def.Name()

		defs = append(defs, def)
	}

	return defs, nil
}

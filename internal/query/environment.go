package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ProductionEnvironment is the one environment served by the bare base host.
const ProductionEnvironment = "prod"

var (
	// ErrUnknownEnvironment is returned for an environment name that is not configured.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrEmptyBaseHost is returned when no base host is configured.
	ErrEmptyBaseHost = errors.New("base host cannot be empty")
)

// HostResolver maps a deployment environment to the analytics target host.
// "prod" resolves to the base host; every other known environment resolves to
// "<env>.<base host>". Names outside the known set are rejected, never defaulted.
type HostResolver struct {
	baseHost string
	known    []string
}

// NewHostResolver builds a resolver for baseHost. The production environment is always known.
func NewHostResolver(baseHost string, environments []string) (*HostResolver, error) {
	baseHost = strings.TrimSpace(baseHost)
	if baseHost == "" {
		return nil, ErrEmptyBaseHost
	}

	known := []string{ProductionEnvironment}

	for _, env := range environments {
		env = normalizeEnvironment(env)
		if env != "" && !slices.Contains(known, env) {
			known = append(known, env)
		}
	}

	return &HostResolver{baseHost: baseHost, known: known}, nil
}

// Resolve returns the host for environment.
func (r *HostResolver) Resolve(environment string) (string, error) {
	env := normalizeEnvironment(environment)

	if !slices.Contains(r.known, env) {
		return "", fmt.Errorf("%w: %q (known: %s)", ErrUnknownEnvironment, environment, strings.Join(r.known, ", "))
	}

	if env == ProductionEnvironment {
		return r.baseHost, nil
	}

	return env + "." + r.baseHost, nil
}

// Environments returns the known environment names, production first.
func (r *HostResolver) Environments() []string {
	return slices.Clone(r.known)
}

func normalizeEnvironment(env string) string {
	return strings.ToLower(strings.TrimSpace(env))
}

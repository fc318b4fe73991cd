package registration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
)

// ParameterMap holds the initialisation parameters returned by the
// orchestrator
type ParameterMap map[string]string

// Keys returns the keys in sorted order
func (p ParameterMap) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// ParseParameters extracts the JSON object embedded in a handshake response.
// Parsing starts at the first `{`, so status lines and headers in front of
// the body are skipped, and anything after the object is ignored. Every
// member must be a string
func ParseParameters(response []byte) (ParameterMap, error) {
	start := bytes.IndexByte(response, '{')
	if start < 0 {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}

	var members map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(response[start:])).Decode(&members); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	params := make(ParameterMap, len(members))
	for key, raw := range members {
		var value string
		if bytes.Equal(raw, []byte("null")) {
			return nil, fmt.Errorf("%w: member %q is null", ErrMalformedResponse, key)
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("%w: member %q is not a string", ErrMalformedResponse, key)
		}
		params[key] = value
	}

	return params, nil
}

// Injector applies a single parameter to process-wide configuration. Setting
// an existing key overwrites it
type Injector interface {
	Set(key, value string) error
}

// InjectorFunc adapts a function to the Injector interface
type InjectorFunc func(key, value string) error

func (f InjectorFunc) Set(key, value string) error {
	return f(key, value)
}

// EnvInjector injects parameters into the process environment
type EnvInjector struct{}

func (EnvInjector) Set(key, value string) error {
	return os.Setenv(key, value)
}

// Inject applies every parameter in key order. It stops at the first
// failure; parameters set before it stay set
func Inject(injector Injector, params ParameterMap) error {
	for _, key := range params.Keys() {
		if err := injector.Set(key, params[key]); err != nil {
			return fmt.Errorf("%w: setting %q: %w", ErrInjection, key, err)
		}
	}

	return nil
}

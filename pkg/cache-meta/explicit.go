package cachemeta

import "time"

// APILevel is the API-wide cache default.
// Present is true when the API meta carries a cache key at all.
type APILevel struct {
	Present bool
	TTL     time.Duration
}

// ResolveAPI reads the API-wide default from an API meta map.
func ResolveAPI(apiMeta map[string]any) (APILevel, error) {
	value, ok := apiMeta[Key]
	if !ok {
		return APILevel{}, nil
	}
	config, err := Resolve(value)
	if err != nil {
		return APILevel{}, withScope(err, "api")
	}
	return APILevel{Present: true, TTL: config.TTL}, nil
}

// HasKey reports whether a meta map declares a cache key, whatever its value.
func HasKey(meta map[string]any) bool {
	_, ok := meta[Key]
	return ok
}

// IsExplicit decides whether the cache setting of a call was declared explicitly,
// in which case an external filter must not veto it.
//
// An endpoint declaring a cache key is always explicit, even with a zero TTL.
// Otherwise the call is explicit when an API default exists and the current TTL differs from it.
func IsExplicit(api APILevel, endpointHasCache bool, current Config) bool {
	if endpointHasCache {
		return true
	}
	return api.Present && api.TTL != current.TTL
}

func withScope(err error, scope string) error {
	if configErr, ok := err.(*ConfigError); ok && configErr.Scope == "" {
		scoped := *configErr
		scoped.Scope = scope
		return &scoped
	}
	return err
}

// ResolveScoped is Resolve with the scope recorded on configuration errors.
func ResolveScoped(scope string, value any) (Config, error) {
	config, err := Resolve(value)
	if err != nil {
		return Config{}, withScope(err, scope)
	}
	return config, nil
}

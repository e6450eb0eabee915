// Package cachemeta resolves the "cache" meta value attached to APIs,
// endpoints and single calls into an effective cache configuration.
//
// A meta value is either absent (caching disabled), a number of seconds,
// or an object with the keys ttlSeconds and hashBody.
package cachemeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Key is the meta key the cache configuration lives under.
const Key = "cache"

const (
	ttlField      = "ttlSeconds"
	hashBodyField = "hashBody"
)

var ErrInvalidCacheConfig = errors.New("invalid cache config")

// ConfigError reports a meta value that is neither a number nor a cache config object.
type ConfigError struct {
	// Scope names where the value came from (api, endpoint, request), if known.
	Scope  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	msg := ErrInvalidCacheConfig.Error()
	if e.Scope != "" {
		msg += " in " + e.Scope + " meta"
	}
	msg += fmt.Sprintf(": %#v", e.Value)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidCacheConfig
}

type Kind int

const (
	Disabled Kind = iota
	Simple
	Extended
)

func (k Kind) String() string {
	switch k {
	case Disabled:
		return "disabled"
	case Simple:
		return "simple"
	case Extended:
		return "extended"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Meta is the parsed form of a cache meta value.
type Meta struct {
	Kind     Kind
	TTL      time.Duration
	HashBody bool
}

// TTL returns a meta value caching for the given duration without hashing the body.
func TTL(ttl time.Duration) Meta {
	return Meta{Kind: Simple, TTL: ttl}
}

// WithBody returns a meta value caching for the given duration, with the body part of the key.
func WithBody(ttl time.Duration) Meta {
	return Meta{Kind: Extended, TTL: ttl, HashBody: true}
}

// Config is the effective cache configuration of one call.
// A zero TTL means caching is off.
type Config struct {
	TTL      time.Duration
	HashBody bool
}

func (c Config) Enabled() bool {
	return c.TTL > 0
}

func (m Meta) Config() Config {
	if m.Kind == Disabled {
		return Config{}
	}
	return Config{TTL: m.TTL, HashBody: m.HashBody}
}

// Resolve turns a meta value into the effective configuration.
func Resolve(value any) (Config, error) {
	meta, err := Parse(value)
	if err != nil {
		return Config{}, err
	}
	return meta.Config(), nil
}

// Parse validates a meta value.
// Accepted forms are nil, any Go number, json.Number, Meta, Config,
// and maps carrying at least one of ttlSeconds or hashBody.
func Parse(value any) (Meta, error) {
	switch v := value.(type) {
	case nil:
		return Meta{Kind: Disabled}, nil
	case Meta:
		if v.TTL < 0 {
			return Meta{}, &ConfigError{Value: value, Reason: "negative ttl"}
		}
		return v, nil
	case *Meta:
		if v == nil {
			return Meta{Kind: Disabled}, nil
		}
		return Parse(*v)
	case Config:
		return Parse(Meta{Kind: Extended, TTL: v.TTL, HashBody: v.HashBody})
	case map[string]any:
		return parseObject(value, v)
	case map[any]any:
		m := make(map[string]any, len(v))
		for key, field := range v {
			name, ok := key.(string)
			if !ok {
				return Meta{}, &ConfigError{Value: value, Reason: "non-string key"}
			}
			m[name] = field
		}
		return parseObject(value, m)
	}
	seconds, ok := number(value)
	if !ok {
		return Meta{}, &ConfigError{Value: value}
	}
	ttl, err := secondsToTTL(seconds)
	if err != nil {
		return Meta{}, &ConfigError{Value: value, Reason: err.Error()}
	}
	return Meta{Kind: Simple, TTL: ttl}, nil
}

func parseObject(original any, object map[string]any) (Meta, error) {
	rawTTL, hasTTL := object[ttlField]
	rawHash, hasHash := object[hashBodyField]
	if !hasTTL && !hasHash {
		return Meta{}, &ConfigError{Value: original, Reason: "missing ttlSeconds and hashBody"}
	}
	meta := Meta{Kind: Extended}
	if hasTTL && rawTTL != nil {
		seconds, ok := number(rawTTL)
		if !ok {
			return Meta{}, &ConfigError{Value: original, Reason: "ttlSeconds is not a number"}
		}
		ttl, err := secondsToTTL(seconds)
		if err != nil {
			return Meta{}, &ConfigError{Value: original, Reason: err.Error()}
		}
		meta.TTL = ttl
	}
	if hasHash && rawHash != nil {
		hashBody, ok := rawHash.(bool)
		if !ok {
			return Meta{}, &ConfigError{Value: original, Reason: "hashBody is not a boolean"}
		}
		meta.HashBody = hashBody
	}
	return meta, nil
}

func number(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func secondsToTTL(seconds float64) (time.Duration, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, errors.New("ttl is not finite")
	}
	if seconds < 0 {
		return 0, errors.New("negative ttl")
	}
	if seconds >= float64(math.MaxInt64)/float64(time.Second) {
		return 0, errors.New("ttl out of range")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

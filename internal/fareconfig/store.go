package fareconfig

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/example/ride-settlement/internal/fare"
)

var ErrUnknownCountry = errors.New("no fare config for country")

// Store holds the tariff per country. Reads are frequent and lock-shared;
// writes replace a whole config and never touch rides that already locked
// in their estimate.
type Store struct {
	mu      sync.RWMutex
	configs map[string]fare.Config
}

func NewStore() *Store {
	return &Store{configs: make(map[string]fare.Config)}
}

// LoadFile reads a YAML/JSON/TOML file of the form
//
//	countries:
//	  NG: {currency: NGN, base_fare: 500, per_km_rate: 120, per_minute_rate: 30, minimum_fare: 300}
func LoadFile(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read fare config %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Store, error) {
	raw := map[string]fare.Config{}
	if err := v.UnmarshalKey("countries", &raw); err != nil {
		return nil, fmt.Errorf("decode fare config: %w", err)
	}
	s := NewStore()
	var errs []error
	for country, cfg := range raw {
		if err := s.Set(country, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return s, errors.Join(errs...)
}

// Get returns the config for country (case-insensitive).
func (s *Store) Get(country string) (fare.Config, error) {
	key := normalize(country)
	s.mu.RLock()
	cfg, ok := s.configs[key]
	s.mu.RUnlock()
	if !ok {
		return fare.Config{}, fmt.Errorf("%w: %q", ErrUnknownCountry, country)
	}
	return cfg, nil
}

// Set validates and installs cfg for country.
func (s *Store) Set(country string, cfg fare.Config) error {
	key := normalize(country)
	if key == "" {
		return fmt.Errorf("%w: country required", fare.ErrInvalidConfig)
	}
	cfg.Country = key
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("country %s: %w", key, err)
	}
	s.mu.Lock()
	s.configs[key] = cfg
	s.mu.Unlock()
	return nil
}

// Countries lists the configured country codes.
func (s *Store) Countries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.configs))
	for k := range s.configs {
		out = append(out, k)
	}
	return out
}

func normalize(country string) string { return strings.ToUpper(strings.TrimSpace(country)) }

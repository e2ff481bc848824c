// Package config loads filter run configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/kalman/ukf"
	"github.com/milosgajdos/go-smc/resample"
	"gopkg.in/yaml.v3"
)

const maxFileSize = 1 << 20

// Resampler kinds
const (
	None        = "none"
	Multinomial = "multinomial"
	Systematic  = "systematic"
)

// Kernel configures kernel resampling
type Kernel struct {
	// Bandwidth is kernel bandwidth; negative value selects optimal Gaussian bandwidth
	Bandwidth float64 `yaml:"bandwidth"`
	// Shrink enables covariance preserving shrinkage
	Shrink bool `yaml:"shrink"`
}

// Resampler configures resampling
type Resampler struct {
	// Kind is base resampler kind
	Kind string `yaml:"kind"`
	// RelESS is relative ESS resampling threshold
	RelESS float64 `yaml:"rel_ess"`
	// Kernel wraps base resampler with kernel perturbation if set
	Kernel *Kernel `yaml:"kernel,omitempty"`
}

// UKF configures unscented lookahead
type UKF struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Kappa float64 `yaml:"kappa"`
}

// Run is filter run configuration
type Run struct {
	// Particles is number of particles
	Particles int `yaml:"particles"`
	// Steps is number of simulated steps
	Steps int `yaml:"steps"`
	// Seed seeds all random sources
	Seed uint64 `yaml:"seed"`
	// Workers limits per-particle goroutines
	Workers int `yaml:"workers"`
	// Resampler configures resampling
	Resampler Resampler `yaml:"resampler"`
	// Lookahead enables unscented lookahead if set
	Lookahead *UKF `yaml:"lookahead,omitempty"`
	// Buffer is SQLite output path; empty path keeps output in memory
	Buffer string `yaml:"buffer"`
	// Report is HTML report path; empty path disables the report
	Report string `yaml:"report"`
}

// Default returns default run configuration
func Default() *Run {
	return &Run{
		Particles: 1000,
		Steps:     50,
		Seed:      1,
		Resampler: Resampler{
			Kind:   Systematic,
			RelESS: 0.5,
		},
	}
}

// Load reads YAML run configuration from path, fills it over defaults and validates it.
// It returns error if the file can't be read or parsed or the configuration is invalid.
func Load(path string) (*Run, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML run configuration over defaults and validates it
func Parse(data []byte) (*Run, error) {
	r := Default()
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	return r, nil
}

// Validate validates run configuration
func (r *Run) Validate() error {
	if r.Particles <= 0 {
		return fmt.Errorf("particles must be positive, got %d", r.Particles)
	}

	if r.Steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", r.Steps)
	}

	switch r.Resampler.Kind {
	case None, Multinomial, Systematic:
	default:
		return fmt.Errorf("unknown resampler kind %q", r.Resampler.Kind)
	}

	if math.IsNaN(r.Resampler.RelESS) || r.Resampler.RelESS < 0 || r.Resampler.RelESS > 1 {
		return fmt.Errorf("rel_ess must be between 0 and 1, got %f", r.Resampler.RelESS)
	}

	if k := r.Resampler.Kernel; k != nil {
		if r.Resampler.Kind == None {
			return errors.New("kernel requires a base resampler")
		}
		if math.IsNaN(k.Bandwidth) || k.Bandwidth >= 1 {
			return fmt.Errorf("kernel bandwidth must be less than 1, got %f", k.Bandwidth)
		}
		if r.Lookahead != nil {
			return errors.New("kernel resampling does not support lookahead")
		}
	}

	if u := r.Lookahead; u != nil {
		if u.Alpha <= 0 || u.Beta < 0 || u.Kappa < 0 {
			return fmt.Errorf("invalid lookahead parameters: %+v", *u)
		}
	}

	return nil
}

// NewResampler creates resampler of run configuration for model m and returns it.
// It returns nil resampler if resampling is disabled.
func (r *Run) NewResampler(m smc.LogModel, width int) (smc.Resampler, error) {
	var base smc.Resampler
	switch r.Resampler.Kind {
	case None:
		return nil, nil
	case Multinomial:
		base = resample.NewMultinomial(r.Seed)
	case Systematic:
		base = resample.NewSystematic(r.Seed)
	default:
		return nil, fmt.Errorf("unknown resampler kind %q", r.Resampler.Kind)
	}

	k := r.Resampler.Kernel
	if k == nil {
		return base, nil
	}

	h := k.Bandwidth
	if h < 0 {
		h = resample.Bandwidth(width, r.Particles)
	}

	return resample.NewKernel(m, base, &resample.KernelConfig{
		H:       h,
		Shrink:  k.Shrink,
		Seed:    r.Seed + 1,
		Workers: r.Workers,
	})
}

// UKFConfig returns lookahead configuration or nil if lookahead is disabled
func (r *Run) UKFConfig() *ukf.Config {
	if r.Lookahead == nil {
		return nil
	}

	return &ukf.Config{
		Alpha:   r.Lookahead.Alpha,
		Beta:    r.Lookahead.Beta,
		Kappa:   r.Lookahead.Kappa,
		Workers: r.Workers,
	}
}

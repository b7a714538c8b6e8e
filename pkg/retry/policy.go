// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

// Policy holds the redelivery rules of one namespace.
type Policy struct {
	MaxRetries  int32
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
	ExpireAfter time.Duration
}

// NoRetryPolicy expires a record on its first failure.
var NoRetryPolicy = Policy{}

// DefaultPolicy is used when no provider or policy file is configured.
var DefaultPolicy = Policy{
	MaxRetries:  3,
	Backoff:     time.Second,
	MaxBackoff:  time.Minute,
	Multiplier:  2,
	ExpireAfter: 24 * time.Hour,
}

// Delay returns the wait before the given attempt (1-based). Successive
// attempts grow exponentially from Backoff up to MaxBackoff.
func (p Policy) Delay(attempt int32) time.Duration {
	if attempt <= 0 || p.Backoff <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < p.Backoff {
		b.MaxInterval = p.Backoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := int32(0); i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Expired reports whether a record created at created has outlived the policy.
func (p Policy) Expired(created, now time.Time) bool {
	return p.ExpireAfter > 0 && !created.IsZero() && now.Sub(created) >= p.ExpireAfter
}

func (p Policy) validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Backoff < 0 || p.MaxBackoff < 0 || p.ExpireAfter < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	return nil
}

// PolicyProvider supplies the policy of a namespace.
type PolicyProvider interface {
	Policy(topic, app string) (Policy, error)
}

// StaticProvider answers from a fixed default plus per-namespace overrides.
type StaticProvider struct {
	Default   Policy
	Overrides map[Namespace]Policy
}

// NewStaticProvider returns a provider that always answers def.
func NewStaticProvider(def Policy) *StaticProvider {
	return &StaticProvider{Default: def, Overrides: make(map[Namespace]Policy)}
}

func (p *StaticProvider) Policy(topic, app string) (Policy, error) {
	if p == nil {
		return Policy{}, ErrPolicyUnavailable
	}
	if policy, ok := p.Overrides[Namespace{Topic: topic, App: app}]; ok {
		return policy, nil
	}
	// topic-wide override
	if policy, ok := p.Overrides[Namespace{Topic: topic}]; ok {
		return policy, nil
	}
	return p.Default, nil
}

type policyFile struct {
	Default   policySpec       `yaml:"default"`
	Overrides []policyOverride `yaml:"overrides"`
}

type policySpec struct {
	MaxRetries  *int32   `yaml:"maxRetries"`
	Backoff     string   `yaml:"backoff"`
	MaxBackoff  string   `yaml:"maxBackoff"`
	Multiplier  *float64 `yaml:"multiplier"`
	ExpireAfter string   `yaml:"expireAfter"`
}

type policyOverride struct {
	Topic      string `yaml:"topic"`
	App        string `yaml:"app"`
	policySpec `yaml:",inline"`
}

// apply overlays the fields set in s onto base.
func (s policySpec) apply(base Policy) (Policy, error) {
	out := base
	if s.MaxRetries != nil {
		out.MaxRetries = *s.MaxRetries
	}
	if s.Multiplier != nil {
		out.Multiplier = *s.Multiplier
	}
	for _, field := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{s.Backoff, "backoff", &out.Backoff},
		{s.MaxBackoff, "maxBackoff", &out.MaxBackoff},
		{s.ExpireAfter, "expireAfter", &out.ExpireAfter},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = d
	}
	return out, out.validate()
}

// ParsePolicyFile decodes a YAML policy document. Missing default fields fall
// back to base; overrides inherit from the resulting default.
func ParsePolicyFile(data []byte, base Policy) (*StaticProvider, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode retry policy: %w", err)
	}
	def, err := doc.Default.apply(base)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	provider := NewStaticProvider(def)
	for i, o := range doc.Overrides {
		if o.Topic == "" {
			return nil, fmt.Errorf("override %d: topic required", i)
		}
		policy, err := o.apply(def)
		if err != nil {
			return nil, fmt.Errorf("override %s/%s: %w", o.Topic, o.App, err)
		}
		provider.Overrides[Namespace{Topic: o.Topic, App: o.App}] = policy
	}
	return provider, nil
}

// FileProvider serves policies from a YAML file and can re-read it.
type FileProvider struct {
	path string
	base Policy

	mu      sync.RWMutex
	current *StaticProvider
}

// NewFileProvider loads path, using base for fields the file omits.
func NewFileProvider(path string, base Policy) (*FileProvider, error) {
	p := &FileProvider{path: path, base: base}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On error the previous policies stay active.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read retry policy %s: %w", p.path, err)
	}
	provider, err := ParsePolicyFile(data, p.base)
	if err != nil {
		return fmt.Errorf("%s: %w", p.path, err)
	}
	p.mu.Lock()
	p.current = provider
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) Policy(topic, app string) (Policy, error) {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current == nil {
		return Policy{}, ErrPolicyUnavailable
	}
	return current.Policy(topic, app)
}

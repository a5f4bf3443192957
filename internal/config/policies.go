package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is a YAML document declaring named rate-limit policies.
//
//	quotas:
//	  - name: per-key
//	    timeUnit: hour
//	    interval: 1
//	    allow: 1000
//	    startTime: "2024-01-01T00:00:00Z"
//	    paths: ["/v1/quotas"]
//	spikeArrests:
//	  - name: burst
//	    timeUnit: second
//	    allow: 20
//	    bufferSize: 5
type PolicyFile struct {
	Quotas       []QuotaPolicy       `yaml:"quotas"`
	SpikeArrests []SpikeArrestPolicy `yaml:"spikeArrests"`
}

// QuotaPolicy is one named quota.
type QuotaPolicy struct {
	Name      string   `yaml:"name"`
	TimeUnit  string   `yaml:"timeUnit"`
	Interval  int      `yaml:"interval"`
	Allow     int64    `yaml:"allow"`
	StartTime string   `yaml:"startTime"`
	Paths     []string `yaml:"paths"`
}

// Start parses StartTime as RFC 3339. An empty StartTime yields the zero time.
func (q QuotaPolicy) Start() (time.Time, error) {
	if q.StartTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, q.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("policy %q: invalid startTime: %w", q.Name, err)
	}
	return t, nil
}

// SpikeArrestPolicy is one named spike arrest.
type SpikeArrestPolicy struct {
	Name       string   `yaml:"name"`
	TimeUnit   string   `yaml:"timeUnit"`
	Allow      int64    `yaml:"allow"`
	BufferSize int      `yaml:"bufferSize"`
	Paths      []string `yaml:"paths"`
}

// LoadPolicies reads and decodes a policy file. Omitted interval and allow
// default to 1; omitted time units default to minute for quotas and second
// for spike arrests.
func LoadPolicies(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes a policy document. Unknown fields are rejected.
func ParsePolicies(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range pf.Quotas {
		q := &pf.Quotas[i]
		if err := claimName(seen, q.Name); err != nil {
			return nil, err
		}
		if q.TimeUnit == "" {
			q.TimeUnit = "minute"
		}
		if q.Interval == 0 {
			q.Interval = 1
		}
		if q.Allow == 0 {
			q.Allow = 1
		}
		if _, err := q.Start(); err != nil {
			return nil, err
		}
	}
	for i := range pf.SpikeArrests {
		s := &pf.SpikeArrests[i]
		if err := claimName(seen, s.Name); err != nil {
			return nil, err
		}
		if s.TimeUnit == "" {
			s.TimeUnit = "second"
		}
		if s.Allow == 0 {
			s.Allow = 1
		}
	}
	return &pf, nil
}

func claimName(seen map[string]bool, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("policy name is required")
	}
	if seen[name] {
		return fmt.Errorf("duplicate policy name %q", name)
	}
	seen[name] = true
	return nil
}

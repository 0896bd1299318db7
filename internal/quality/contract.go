package quality

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/r3e-network/dataplatform/internal/model"
)

// Severity is the closed set of contract severities (spec.md §4.4).
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Contract is one standalone document under contracts/, naming a target
// model and a list of assertion expressions re-using the same grammar as
// inline assertions.
type Contract struct {
	Name       string   `yaml:"name"`
	Model      string   `yaml:"model"`
	Severity   Severity `yaml:"severity"`
	Assertions []string `yaml:"assertions"`
}

// Load parses a single contract document.
func Load(path string) (*Contract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}
	var c Contract
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse contract %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if c.Severity == "" {
		c.Severity = SeverityError
	}
	return &c, nil
}

// Validate checks the contract's identifier and severity invariants
// (spec.md §4.4: "a target model (validated against the identifier
// grammar)").
func (c *Contract) Validate() error {
	schema, name, ok := strings.Cut(c.Model, ".")
	if !ok || !model.ValidIdentifier(schema) || !model.ValidIdentifier(name) {
		return fmt.Errorf("contract %s: invalid target model %q", c.Name, c.Model)
	}
	switch c.Severity {
	case SeverityError, SeverityWarn:
	default:
		return fmt.Errorf("contract %s: invalid severity %q", c.Name, c.Severity)
	}
	if len(c.Assertions) == 0 {
		return fmt.Errorf("contract %s: no assertions declared", c.Name)
	}
	return nil
}

// DiscoverContracts loads and validates every *.yml/*.yaml file directly
// under root, in stable lexical order.
func DiscoverContracts(root string) ([]*Contract, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list contracts dir %s: %w", root, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var contracts []*Contract
	for _, name := range names {
		c, err := Load(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, nil
}

// ContractOutcome is the result of running one contract against the
// warehouse.
type ContractOutcome struct {
	Contract *Contract
	Passed   bool
	Results  []Result
}

// Run evaluates every assertion in c against its target model and reduces
// to an overall pass/fail: the contract passes iff every assertion passes.
func Run(ctx context.Context, db *sql.DB, c *Contract) ContractOutcome {
	results := make([]Result, 0, len(c.Assertions))
	passed := true
	for _, expr := range c.Assertions {
		r := Evaluate(ctx, db, c.Model, expr)
		results = append(results, r)
		if !r.Passed {
			passed = false
		}
	}
	return ContractOutcome{Contract: c, Passed: passed, Results: results}
}

// Blocks reports whether a contract outcome should block downstream work:
// only a failed error-severity contract blocks (spec.md §4.4: "Severity
// warn never blocks downstream work but is recorded").
func (o ContractOutcome) Blocks() bool {
	return !o.Passed && o.Contract.Severity == SeverityError
}

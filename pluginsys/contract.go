package pluginsys

import (
	"fmt"
	"sort"
	"sync"
)

// Contract is a declarative shape check enforced against a Facet after its
// init completes.
type Contract struct {
	Name               string
	RequiredOperations map[string]bool
	RequiredProperties map[string]bool
	CustomValidator     func(ctx *Context, api any, subsystem *Subsystem, facet *Facet) error
}

// NewContract builds a Contract from plain name slices.
func NewContract(name string, requiredOps, requiredProps []string, validator func(ctx *Context, api any, subsystem *Subsystem, facet *Facet) error) *Contract {
	ops := make(map[string]bool, len(requiredOps))
	for _, o := range requiredOps {
		ops[o] = true
	}
	props := make(map[string]bool, len(requiredProps))
	for _, p := range requiredProps {
		props[p] = true
	}
	return &Contract{Name: name, RequiredOperations: ops, RequiredProperties: props, CustomValidator: validator}
}

// ContractRegistry stores Contracts keyed by unique name.
type ContractRegistry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewContractRegistry constructs an empty registry.
func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{contracts: make(map[string]*Contract)}
}

// Register adds a contract. Fails with *DuplicateContractError if the name
// is already taken.
func (r *ContractRegistry) Register(c *Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[c.Name]; exists {
		return &DuplicateContractError{Name: c.Name}
	}
	r.contracts[c.Name] = c
	return nil
}

// Get looks up a contract by name.
func (r *ContractRegistry) Get(name string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// Enforce looks up name, fails with *UnknownContractError if absent, then
// checks every required operation is callable on facet and every required
// property exists, reporting all missing names together, then runs the
// custom validator if set.
func (r *ContractRegistry) Enforce(name string, ctx *Context, api any, subsystem *Subsystem, facet *Facet) error {
	c, ok := r.Get(name)
	if !ok {
		return &UnknownContractError{Name: name}
	}

	ops := facet.Operations()

	var missingOps, missingProps []string
	for op := range c.RequiredOperations {
		val, exists := ops[op]
		if !exists || !isCallable(val) {
			missingOps = append(missingOps, op)
		}
	}
	for prop := range c.RequiredProperties {
		if val, exists := ops[prop]; !exists || val == nil {
			missingProps = append(missingProps, prop)
		}
	}
	sort.Strings(missingOps)
	sort.Strings(missingProps)

	if len(missingOps) > 0 || len(missingProps) > 0 {
		return &ContractViolationError{Name: name, MissingOps: missingOps, MissingProps: missingProps}
	}

	if c.CustomValidator != nil {
		if err := c.CustomValidator(ctx, api, subsystem, facet); err != nil {
			return &ContractViolationError{Name: name, CustomMessage: err.Error()}
		}
	}
	return nil
}

func isCallable(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case func(), func() error:
		return true
	default:
		// Any function-typed value counts as an operation; use reflection
		// only when the static cases above don't already match, since most
		// operations in practice use func(...) error style signatures.
		return reflectIsFunc(v)
	}
}

package hookstore

import (
	"encoding/json"
	"fmt"

	"github.com/facetcore/facetcore/pluginsys"
)

// HookDescriptor is the payload a hook package blob carries: enough to
// reconstruct a pluginsys.Hook without the registry ever interpreting
// arbitrary plugin bytes. A blob whose manifest declares a FacetKind must
// decode to one of these.
type HookDescriptor struct {
	Required   []string `json:"required,omitempty"`
	Contract   string   `json:"contract,omitempty"`
	Operations []string `json:"operations,omitempty"`
}

// EncodeDescriptor marshals desc for storage as a HookBlob's Data.
func EncodeDescriptor(desc HookDescriptor) ([]byte, error) {
	return json.Marshal(desc)
}

// DecodeHook reconstructs a *pluginsys.Hook from blob: the manifest supplies
// Name/Version/FacetKind/Attach, the decoded HookDescriptor supplies the
// required-kind set, contract name, and the operation names the resulting
// facet exposes. This is the seam where hook-package distribution hands off
// to the plugin-runtime core — a blob that doesn't decode, or whose manifest
// FacetKind is empty, can never become a usable Hook.
func DecodeHook(blob HookBlob) (*pluginsys.Hook, error) {
	if blob.Manifest.FacetKind == "" {
		return nil, fmt.Errorf("hookstore: manifest for %s@%s declares no facet kind", blob.Manifest.Name, blob.Manifest.Version)
	}

	var desc HookDescriptor
	if err := json.Unmarshal(blob.Data, &desc); err != nil {
		return nil, fmt.Errorf("hookstore: %s@%s blob is not a valid hook descriptor: %w", blob.Manifest.Name, blob.Manifest.Version, err)
	}

	kind := blob.Manifest.FacetKind
	source := string(blob.Manifest.Name)
	factory := func(ctx *pluginsys.Context, api any, subsystem *pluginsys.Subsystem) (*pluginsys.Facet, error) {
		version, err := pluginsys.ParseVersion(blob.Manifest.Version)
		if err != nil {
			return nil, err
		}
		f := pluginsys.NewFacet(kind, version, desc.Required, blob.Manifest.Attach, false, source, desc.Contract)
		ops := make(map[string]any, len(desc.Operations))
		for _, name := range desc.Operations {
			opName := name
			ops[opName] = func() string { return opName }
		}
		if err := f.AddOperations(ops); err != nil {
			return nil, err
		}
		return f, nil
	}

	return pluginsys.CreateHook(pluginsys.HookOptions{
		Kind:      kind,
		Version:   blob.Manifest.Version,
		Required:  desc.Required,
		Attach:    blob.Manifest.Attach,
		Source:    source,
		Contract:  desc.Contract,
		Factory:   factory,
	})
}

// validateHookBlob is the common Publish-time check shared by every Registry
// implementation: the manifest name/version must be well-formed, and — if
// the manifest claims a facet kind — the blob must actually decode to a Hook
// for it. This is what keeps the store honest about what it distributes
// instead of accepting opaque bytes under any name.
func validateHookBlob(blob HookBlob) error {
	if blob.Manifest.Name == "" {
		return fmt.Errorf("hookstore: manifest name required")
	}
	if _, err := pluginsys.ParseVersion(blob.Manifest.Version); err != nil {
		return fmt.Errorf("hookstore: manifest version for %s: %w", blob.Manifest.Name, err)
	}
	if blob.Manifest.FacetKind != "" {
		if _, err := DecodeHook(blob); err != nil {
			return err
		}
	}
	return nil
}

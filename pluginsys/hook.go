package pluginsys

// FactoryFunc builds a draft Facet from the current build context, the
// subsystem's internal API surface, and the owning Subsystem.
type FactoryFunc func(ctx *Context, api any, subsystem *Subsystem) (*Facet, error)

// Hook is immutable metadata plus a factory. It is itself callable via Call,
// which stamps ctx.__contract/__version before invoking the factory, as
// spec.md §4.4 requires.
type Hook struct {
	Kind      string
	Version   Version
	Required  []string
	Attach    bool
	Overwrite bool
	Source    string
	Contract  string
	Factory   FactoryFunc
}

// HookOptions is the validated input to CreateHook.
type HookOptions struct {
	Kind      string
	Version   string // optional; defaults to DefaultVersion
	Required  []string
	Attach    bool
	Overwrite bool
	Source    string
	Contract  string // optional
	Factory   FactoryFunc
}

// CreateHook validates opts and returns an immutable Hook. Kind and Source
// must be non-empty, Factory must be set, Contract (if given) must be
// non-empty, and Version (if given) must parse as valid semver.
func CreateHook(opts HookOptions) (*Hook, error) {
	if opts.Kind == "" {
		return nil, &InvalidHookError{Field: "kind", Reason: "must be non-empty"}
	}
	if opts.Source == "" {
		return nil, &InvalidHookError{Field: "source", Reason: "must be non-empty"}
	}
	if opts.Factory == nil {
		return nil, &InvalidHookError{Field: "factory", Reason: "must be callable"}
	}
	versionStr := opts.Version
	if versionStr == "" {
		versionStr = DefaultVersion
	}
	version, err := ParseVersion(versionStr)
	if err != nil {
		return nil, &InvalidHookError{Field: "version", Reason: err.Error()}
	}

	required := make([]string, len(opts.Required))
	copy(required, opts.Required)

	return &Hook{
		Kind:      opts.Kind,
		Version:   version,
		Required:  required,
		Attach:    opts.Attach,
		Overwrite: opts.Overwrite,
		Source:    opts.Source,
		Contract:  opts.Contract,
		Factory:   opts.Factory,
	}, nil
}

// Call invokes the hook's factory, augmenting ctx with this hook's
// __contract and __version markers first, per spec.md §4.4.
func (h *Hook) Call(ctx *Context, api any, subsystem *Subsystem) (*Facet, error) {
	ctx.contract = h.Contract
	ctx.version = h.Version.String()
	return h.Factory(ctx, api, subsystem)
}

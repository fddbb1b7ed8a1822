package pluginsys

// Context is the per-build context threaded through hook factories and init
// callbacks: config keyed by kind, a debug flag, an optional parent link,
// and the internal markers a Hook's call wrapper stamps in before invoking
// the factory.
type Context struct {
	Config map[string]any
	Debug  bool
	Parent *Context

	contract string
	version  string
}

// NewContext constructs an empty context with debug off.
func NewContext() *Context {
	return &Context{Config: make(map[string]any)}
}

// ConfigFor returns the config value registered under kind, or nil.
func (c *Context) ConfigFor(kind string) any {
	if c == nil || c.Config == nil {
		return nil
	}
	return c.Config[kind]
}

// Contract returns the __contract marker stamped by the last Hook invoked
// through this context.
func (c *Context) Contract() string { return c.contract }

// Version returns the __version marker stamped by the last Hook invoked
// through this context.
func (c *Context) Version() string { return c.version }

// MergeConfig deep-merges src into dst for plain map[string]any values;
// any other value type in src overwrites the corresponding dst entry.
// Multiple config(kind, ...) calls collapse into one entry this way.
func MergeConfig(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, sv := range src {
		if dvMap, dstIsMap := dst[k].(map[string]any); dstIsMap {
			if svMap, srcIsMap := sv.(map[string]any); srcIsMap {
				dst[k] = MergeConfig(cloneMap(dvMap), svMap)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

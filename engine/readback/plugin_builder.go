package readback

// PluginOption is a functional option applied to a Plugin during construction via NewPlugin.
type PluginOption func(*Plugin)

// WithStrict makes invariant violations panic instead of logging: taking an unknown token and
// resolving a token that is missing or not awaiting its copy. Use it in development builds to catch
// double consumption early.
//
// Parameters:
//   - strict: true to panic on invariant violations
//
// Returns:
//   - PluginOption: a function that applies the strict option to a plugin
func WithStrict(strict bool) PluginOption {
	return func(p *Plugin) {
		p.strict = strict
	}
}

// WithStallLimit fails a request with ErrStalled when its staging buffer has not been mapped after
// the given number of render cycles. Zero disables the limit (default).
//
// Parameters:
//   - cycles: the number of render cycles a map may stay outstanding
//
// Returns:
//   - PluginOption: a function that applies the stall limit to a plugin
func WithStallLimit(cycles uint64) PluginOption {
	return func(p *Plugin) {
		p.stallLimit = cycles
	}
}

// WithWorkers sets the number of goroutines used to extract render payloads in parallel and the
// batch size at which the pool is used instead of extracting inline.
//
// Parameters:
//   - n: the number of workers (values < 1 disable the pool)
//   - threshold: the minimum number of pending requests of one kind to extract on the pool
//
// Returns:
//   - PluginOption: a function that applies the worker settings to a plugin
func WithWorkers(n, threshold int) PluginOption {
	return func(p *Plugin) {
		p.workers = n
		if threshold > 0 {
			p.parallelThreshold = threshold
		}
	}
}

// WithShaderValidation enables or disables full WGSL validation of every registered shader.
// Enabled by default.
//
// Parameters:
//   - enabled: false to skip validation
//
// Returns:
//   - PluginOption: a function that applies the validation option to a plugin
func WithShaderValidation(enabled bool) PluginOption {
	return func(p *Plugin) {
		p.validateShaders = enabled
	}
}

// WithStagingPoolSize caps how many idle staging buffers of each size are kept for reuse.
//
// Parameters:
//   - n: the number of idle buffers kept per size (0 frees every buffer after use)
//
// Returns:
//   - PluginOption: a function that applies the staging pool cap to a plugin
func WithStagingPoolSize(n int) PluginOption {
	return func(p *Plugin) {
		p.stagingPoolSize = max(n, 0)
	}
}

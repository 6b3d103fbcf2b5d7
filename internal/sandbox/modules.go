package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"

	"github.com/heliosfn/helios/internal/fault"
)

// moduleLoader implements a minimal CommonJS loader confined to the package
// root. Only relative paths resolve; there is no search path and no access
// outside the package.
type moduleLoader struct {
	vm       *goja.Runtime
	root     string
	maxBytes int64
	cache    map[string]goja.Value
	depth    int
}

const maxModuleDepth = 32

func newModuleLoader(vm *goja.Runtime, root string, maxBytes int64) *moduleLoader {
	return &moduleLoader{
		vm:       vm,
		root:     root,
		maxBytes: maxBytes,
		cache:    make(map[string]goja.Value),
	}
}

// load evaluates the module at the absolute path and returns its exports.
func (l *moduleLoader) load(path string) (goja.Value, error) {
	path = filepath.Clean(path)
	if exports, ok := l.cache[path]; ok {
		return exports, nil
	}
	if l.depth >= maxModuleDepth {
		return nil, fault.New(fault.KindHandlerError, "module require depth exceeded")
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Newf(fault.KindHandlerError, "module %q not found in package", l.rel(path))
	}
	if l.maxBytes > 0 && int64(len(src)) > l.maxBytes {
		return nil, fault.Newf(fault.KindMemoryExhausted, "module %q exceeds buffer limit", l.rel(path))
	}

	wrapped := "(function(module, exports, require) {\n" + string(src) + "\n})"
	prog, err := goja.Compile(l.rel(path), wrapped, false)
	if err != nil {
		return nil, fault.Newf(fault.KindHandlerError, "module %q: %v", l.rel(path), err)
	}

	v, err := l.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fault.Newf(fault.KindInternal, "module wrapper for %q is not callable", l.rel(path))
	}

	module := l.vm.NewObject()
	exports := l.vm.NewObject()
	module.Set("exports", exports)

	dir := filepath.Dir(path)
	require := func(spec string) goja.Value {
		resolved, err := l.resolve(dir, spec)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		out, err := l.load(resolved)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		return out
	}

	// populate before evaluation so require cycles see partial exports
	l.cache[path] = exports
	l.depth++
	_, err = fn(goja.Undefined(), module, exports, l.vm.ToValue(require))
	l.depth--
	if err != nil {
		delete(l.cache, path)
		return nil, err
	}

	final := module.Get("exports")
	l.cache[path] = final
	return final, nil
}

// resolve maps a require specifier to an absolute path inside the root.
func (l *moduleLoader) resolve(fromDir, spec string) (string, error) {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return "", fault.Newf(fault.KindHandlerError, "require(%q): only relative paths within the package are allowed", spec)
	}
	full := filepath.Clean(filepath.Join(fromDir, filepath.FromSlash(spec)))
	if filepath.Ext(full) == "" {
		full += ".js"
	}
	if full != l.root && !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", fault.Newf(fault.KindForbidden, "require(%q) escapes package root", spec)
	}
	return full, nil
}

func (l *moduleLoader) rel(path string) string {
	if r, err := filepath.Rel(l.root, path); err == nil {
		return r
	}
	return filepath.Base(path)
}

// Package pathmap translates stale paths to their corrected form during one
// reconciliation pass.
//
// When the authority renames a created node (proposed id "5" became "7"),
// every later completion in the same pass that addresses ".../5/..." must be
// redirected, including ones several levels deeper. A Remapper holds the
// renames seen so far and memoizes every derived mapping, so repeated lookups
// of the same stale path are a single map access.
//
// A Remapper lives for one pass and is not goroutine-safe.
package pathmap

import "github.com/daviddao/treesync/pkg/model"

// Remapper maps stale paths, keyed by model.Path.Key, to corrected paths.
type Remapper struct {
	paths map[string]model.Path
}

// New returns a remapper seeded with a copy of initial (which may be nil).
func New(initial map[string]model.Path) *Remapper {
	paths := make(map[string]model.Path, len(initial))
	for k, v := range initial {
		paths[k] = v.Clone()
	}
	return &Remapper{paths: paths}
}

// Get returns the corrected form of path. It checks path itself and then
// each shorter prefix down to a single segment; the first recorded rename
// wins and the remainder of path is appended to it.
func (r *Remapper) Get(path model.Path) (model.Path, bool) {
	if len(r.paths) == 0 {
		return nil, false
	}
	for n := len(path); n > 0; n-- {
		mapped, ok := r.paths[path[:n].Key()]
		if !ok {
			continue
		}
		out := make(model.Path, 0, len(mapped)+len(path)-n)
		out = append(out, mapped...)
		out = append(out, path[n:]...)
		if n < len(path) {
			r.Put(path, out)
		}
		return out, true
	}
	return nil, false
}

// Put records that path should be read as remapped.
func (r *Remapper) Put(path, remapped model.Path) {
	r.paths[path.Key()] = remapped.Clone()
}

// Len returns the number of recorded mappings, memoized ones included.
func (r *Remapper) Len() int { return len(r.paths) }

// Mappings returns a copy of every recorded mapping, or nil when there are
// none.
func (r *Remapper) Mappings() map[string]model.Path {
	if len(r.paths) == 0 {
		return nil
	}
	out := make(map[string]model.Path, len(r.paths))
	for k, v := range r.paths {
		out[k] = v.Clone()
	}
	return out
}

// Registry keeps the set of named Executor implementations a process
// knows about, grounded on oss.nandlabs.io/golly/managers.ItemManager
// the same way the rest of the corpus registers named, swappable
// implementations behind a generic map+mutex.
package executor

import (
	"fmt"

	"oss.nandlabs.io/golly/managers"
)

// Registry holds named Executor implementations. The parent and every
// exec-child process each build and populate their own Registry; a child
// inherits nothing from the parent's.
type Registry struct {
	items managers.ItemManager[Executor]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: managers.NewItemManager[Executor]()}
}

// Register adds or replaces the Executor known as name.
func (r *Registry) Register(name Name, ex Executor) {
	r.items.Register(string(name), ex)
}

// Unregister removes the Executor known as name.
func (r *Registry) Unregister(name Name) {
	r.items.Unregister(string(name))
}

// Get returns the Executor known as name, or an error if none is registered.
func (r *Registry) Get(name Name) (Executor, error) {
	ex := r.items.Get(string(name))
	if ex == nil {
		return nil, fmt.Errorf("executor: no executor registered as %q", name)
	}
	return ex, nil
}

// Names returns every registered Executor, order unspecified.
func (r *Registry) Names() []Executor {
	return r.items.Items()
}

// Package eventkey defines the (owner, key) topic identifier shared by the
// broker, registry, and entity packages.
package eventkey

import "github.com/ocx/minibus/internal/shortname"

// Key identifies a broker topic: the owning entity's name and a key within
// that entity's namespace.
type Key struct {
	Owner shortname.Name
	Name  shortname.Name
}

// New builds an EventKey.
func New(owner, name shortname.Name) Key {
	return Key{Owner: owner, Name: name}
}

func (k Key) String() string {
	return string(k.Owner) + "/" + string(k.Name)
}

package property

import "github.com/mohae/deepcopy"

// deepCopyValue clones a Value's reference-typed Map field so a
// snapshot handed to the persistence layer can't be mutated by a
// concurrent Set call on the live store, per spec §5's ordering
// guarantees around a container's own lock not extending to
// downstream persistence I/O.
func deepCopyValue(v Value) Value {
	if v.Map == nil {
		return v
	}
	cp := v
	cp.Map = deepcopy.Copy(v.Map).(map[string]uint64)
	return cp
}

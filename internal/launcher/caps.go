package launcher

import (
	"github.com/syndtr/gocapability/capability"

	"github.com/portod/portod-go/internal/portoerr"
)

// ApplyCapabilities sets the child's capability sets in the order
// ambient -> bounding -> effective. The order is load-bearing (spec
// §9): ambient capabilities are dropped by the kernel the moment the
// bounding set no longer carries them, and raising the effective set
// before the bounding set is trimmed would transiently grant
// capabilities the task was never meant to hold. Grounded on the
// teacher's use of syndtr/gocapability in runsc/boot for narrowing a
// sandboxed process's capability sets.
func ApplyCapabilities(sets CapabilitySets) *portoerr.Error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return portoerr.Errno(portoerr.System, 0, "capability.NewPid2: %v", err)
	}
	if err := caps.Load(); err != nil {
		return portoerr.Errno(portoerr.System, 0, "capability load: %v", err)
	}

	ambient, nerr := namesToCaps(sets.Ambient)
	if nerr != nil {
		return portoerr.New(portoerr.InvalidValue, "ambient caps: %v", nerr)
	}
	bound, nerr := namesToCaps(sets.Bound)
	if nerr != nil {
		return portoerr.New(portoerr.InvalidValue, "bounding caps: %v", nerr)
	}
	effective, nerr := namesToCaps(sets.Effective)
	if nerr != nil {
		return portoerr.New(portoerr.InvalidValue, "effective caps: %v", nerr)
	}

	caps.Clear(capability.AMBIENT)
	caps.Set(capability.AMBIENT, ambient...)
	if aerr := caps.Apply(capability.AMBIENT); aerr != nil {
		return portoerr.Errno(portoerr.Permission, 0, "apply ambient caps: %v", aerr)
	}

	caps.Clear(capability.BOUNDING)
	caps.Set(capability.BOUNDING, bound...)
	if aerr := caps.Apply(capability.BOUNDING); aerr != nil {
		return portoerr.Errno(portoerr.Permission, 0, "apply bounding caps: %v", aerr)
	}

	caps.Clear(capability.EFFECTIVE, capability.PERMITTED, capability.INHERITABLE)
	caps.Set(capability.EFFECTIVE, effective...)
	caps.Set(capability.PERMITTED, effective...)
	caps.Set(capability.INHERITABLE, ambient...)
	if aerr := caps.Apply(capability.CAPS); aerr != nil {
		return portoerr.Errno(portoerr.Permission, 0, "apply effective caps: %v", aerr)
	}

	return nil
}

func namesToCaps(names []string) ([]capability.Cap, error) {
	out := make([]capability.Cap, 0, len(names))
	for _, n := range names {
		c, err := capability.NameToCap(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

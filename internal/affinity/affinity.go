// Package affinity pins Worker goroutines to CPUs from the process's
// inherited affinity mask, spec.md §4.2's optional affinity step. Grounded
// on golang.org/x/sys/unix, the CPU-affinity dependency carried by
// TysonAndre-golemproxy in the retrieval pack (used there for scheduling
// hints around its proxy workers; adopted here for the --affinity flag
// spec.md names directly).
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinNext pins the calling OS thread to the (index mod N)th CPU present in
// the process's inherited affinity mask, wrapping around, per spec.md
// §4.2: "pins each worker to the next available CPU from the inherited
// affinity mask, wrapping around."
//
// Go schedules goroutines onto OS threads opportunistically, so this locks
// the calling goroutine to its current OS thread first (runtime.LockOSThread)
// -- otherwise a later reschedule onto a different thread would silently
// drop the pin.
func PinNext(index int) error {
	runtime.LockOSThread()

	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &mask); err != nil {
		return fmt.Errorf("affinity: get mask: %w", err)
	}

	cpus := availableCPUs(&mask)
	if len(cpus) == 0 {
		return fmt.Errorf("affinity: no CPUs in inherited mask")
	}
	target := cpus[index%len(cpus)]

	var pin unix.CPUSet
	pin.Set(target)
	if err := unix.SchedSetaffinity(0, &pin); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", target, err)
	}
	return nil
}

// cpuSetSize mirrors glibc's CPU_SETSIZE (1024), the upper bound on CPU
// indices representable in a unix.CPUSet; golang.org/x/sys/unix does not
// export this constant.
const cpuSetSize = 1024

func availableCPUs(mask *unix.CPUSet) []int {
	var cpus []int
	for i := 0; i < cpuSetSize; i++ {
		if mask.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

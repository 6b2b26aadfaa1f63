package distributed

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device describes the compute a replica is bound to. The reference
// backend runs on the CPU, so binding splits the host threads evenly among
// the local replicas.
type Device struct {
	Index   int
	Brand   string
	Vendor  string
	Cores   int
	Threads int
	AVX2    bool
	AVX512  bool

	// Procs is the GOMAXPROCS value assigned to this replica
	Procs int
}

// BindDevice binds replica rank of localWorld replicas on this host.
func BindDevice(rank, localWorld int) Device {
	threads := cpuid.CPU.LogicalCores
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	procs := max(threads/max(localWorld, 1), 1)
	runtime.GOMAXPROCS(procs)

	return Device{
		Index:   rank,
		Brand:   cpuid.CPU.BrandName,
		Vendor:  cpuid.CPU.VendorString,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: threads,
		AVX2:    cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:  cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		Procs:   procs,
	}
}

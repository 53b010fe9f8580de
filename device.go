package sageattn

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks the instruction set extensions relevant to the
// emulated tensor pipeline: the int8 dot-product and wide-vector features
// a native backend would key off.
type CPUFeatures struct {
	HasAVX2       bool
	HasAVX512F    bool
	HasAVX512VNNI bool
	HasFMA        bool
}

// Global CPU feature detection
var cpuFeatures CPUFeatures

func init() {
	detectCPUFeatures()
}

// detectCPUFeatures populates the global cpuFeatures struct
func detectCPUFeatures() {
	cpuFeatures = CPUFeatures{
		HasAVX2:       cpu.X86.HasAVX2,
		HasAVX512F:    cpu.X86.HasAVX512F,
		HasAVX512VNNI: cpu.X86.HasAVX512VNNI,
		HasFMA:        cpu.X86.HasFMA,
	}
}

// Features returns the detected CPU features.
func Features() CPUFeatures {
	return cpuFeatures
}

// DeviceName describes the execution substrate the grid runs on, in the
// spirit of a device-properties query: core count plus the widest
// int8-relevant vector extension available.
func DeviceName() string {
	ext := "scalar"
	switch {
	case cpuFeatures.HasAVX512VNNI:
		ext = "AVX512-VNNI"
	case cpuFeatures.HasAVX512F:
		ext = "AVX512"
	case cpuFeatures.HasAVX2:
		ext = "AVX2"
	}
	return fmt.Sprintf("CPU(%s/%s, %d cores, %s)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), ext)
}

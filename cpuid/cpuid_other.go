//go:build !amd64

package cpuid

// cpuidLow reports no features off amd64.
func cpuidLow(_, _ uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}

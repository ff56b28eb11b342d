package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID output from an Intel CPU
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID output from an AMD Athlon CPU
		{0x1, 68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestSupports1GPages(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		maxExtLeaf uint32
		extEDX     uint32
		exp        bool
	}{
		// extended leaf not available
		{0x80000000, 1 << 26, false},
		// pdpe1gb clear
		{0x80000008, 0x2c100800, false},
		// pdpe1gb set
		{0x80000008, 0x2c100800 | 1<<26, true},
	}

	for specIndex, spec := range specs {
		var queried []uint32
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			queried = append(queried, leaf)
			switch leaf {
			case 0x80000000:
				return spec.maxExtLeaf, 0, 0, 0
			case 0x80000001:
				return 0, 0, 0, spec.extEDX
			}
			t.Fatalf("[spec %d] unexpected CPUID leaf 0x%x", specIndex, leaf)
			return 0, 0, 0, 0
		}

		if got := Supports1GPages(); got != spec.exp {
			t.Errorf("[spec %d] expected Supports1GPages to return %t; got %t", specIndex, spec.exp, got)
		}

		if spec.maxExtLeaf < 0x80000001 && len(queried) != 1 {
			t.Errorf("[spec %d] expected the feature leaf not to be queried; queried %x", specIndex, queried)
		}
	}
}

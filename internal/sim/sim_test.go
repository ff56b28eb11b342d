package sim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/CodeStix/kokos-sub000/internal/config"
	"github.com/CodeStix/kokos-sub000/kernel/kfmt"
	"github.com/CodeStix/kokos-sub000/kernel/mm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/pmm"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func bootMachine(t *testing.T, cfg *config.Machine, opts Options) *Machine {
	t.Helper()

	m, err := Boot(cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	return m
}

func findEntry(hook *test.Hook, module, msgPrefix string) *logrus.Entry {
	for _, entry := range hook.AllEntries() {
		if entry.Data["module"] == module && strings.HasPrefix(entry.Message, msgPrefix) {
			return entry
		}
	}
	return nil
}

func TestBoot(t *testing.T) {
	log, hook := test.NewNullLogger()
	m := bootMachine(t, config.Default(), Options{Log: log})

	if exp, got := uint64(0x7fe0000>>mm.PageShift), m.Frames().TotalFrames(); got != exp {
		t.Fatalf("expected allocator to track %d frames; got %d", exp, got)
	}

	if mm.ActiveFrameAllocator() != m.Frames() {
		t.Fatal("expected the machine allocator to be registered with mm")
	}

	for _, virt := range []uintptr{0, 0x123456, 0x7fdffff} {
		if phys, ok := m.Kernel().PhysicalAddress(virt); !ok || phys != virt {
			t.Errorf("expected identity translation of 0x%x; got 0x%x, %t", virt, phys, ok)
		}
	}

	// 128M fit in a single level 2 table of 2M pages
	if exp, got := uint64(3), m.TableFrames(); got != exp {
		t.Fatalf("expected %d page table frames; got %d", exp, got)
	}

	if findEntry(hook, "pmm", "bitmap at 0x1000 tracks 32736 frames") == nil {
		t.Error("expected the pmm summary to be logged")
	}

	if findEntry(hook, "vmm", "identity-mapped 128Mb") == nil {
		t.Error("expected the identity map summary to be logged")
	}

	if entry := hook.LastEntry(); entry == nil || entry.Message != "machine booted" {
		t.Errorf("expected the last entry to report the boot; got %v", entry)
	}

	// Kernel warnings surface as logrus warnings
	hook.Reset()
	if err := m.Frames().Free(0x7000000); err != pmm.ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree; got %v", err)
	}

	entry := findEntry(hook, "pmm", "double free of frame 0x7000000")
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning entry for the double free; got %v", hook.AllEntries())
	}
}

func TestBootKernelOutput(t *testing.T) {
	var buf bytes.Buffer
	log, _ := test.NewNullLogger()
	bootMachine(t, config.Default(), Options{
		Log:          log,
		KernelOutput: &kfmt.PrefixWriter{Sink: &buf, Prefix: []byte("kernel| ")},
	})

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected the kernel boot output; got %q", buf.String())
	}

	for _, line := range lines {
		if !strings.HasPrefix(line, "kernel| ") {
			t.Errorf("expected line %q to carry the output prefix", line)
		}
	}

	if exp := "kernel| [pmm] system memory map:"; lines[0] != exp {
		t.Errorf("expected first line to be %q; got %q", exp, lines[0])
	}
}

func TestBootHugePages(t *testing.T) {
	cfg := config.Default()
	cfg.Memory = append(cfg.Memory, config.Region{Start: 0x100000000, Length: "1GiB", Type: "available"})
	cfg.HugePages1G = true

	log, _ := test.NewNullLogger()
	m := bootMachine(t, cfg, Options{Log: log})

	if phys, ok := m.Kernel().PhysicalAddress(0x100000123); !ok || phys != 0x100000123 {
		t.Fatalf("expected identity translation above 4G; got 0x%x, %t", phys, ok)
	}

	// root and level 3 table; the first 4G use 1G pages
	if exp, got := uint64(2), m.TableFrames(); got != exp {
		t.Fatalf("expected %d page table frames; got %d", exp, got)
	}
}

func TestBootErrors(t *testing.T) {
	log, _ := test.NewNullLogger()

	cfg := config.Default()
	cfg.Memory = []config.Region{{Start: 0, Length: "4KiB", Type: "reserved"}}
	if _, err := Boot(cfg, Options{Log: log}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory; got %v", err)
	}

	// A single available frame cannot hold the bitmap once frame 0 is skipped
	cfg.Memory = []config.Region{{Start: 0, Length: "4KiB", Type: "available"}}
	if _, err := Boot(cfg, Options{Log: log}); err == nil || !strings.Contains(err.Error(), "physical memory") {
		t.Fatalf("expected a physical memory error; got %v", err)
	}

	if got := mm.DirectMapBase(); got != 0 {
		t.Fatalf("expected a failed boot to release the arena; direct map base is 0x%x", got)
	}
}

func TestStress(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := bootMachine(t, config.Default(), Options{Log: log})

	report, err := m.Stress(context.Background(), 4, 600)
	if err != nil {
		t.Fatal(err)
	}

	if exp := uint64(4 * 600); report.Allocations != exp || report.Frees != exp {
		t.Fatalf("expected %d allocations and frees; got %+v", exp, report)
	}

	// 2400 pages of cursor space need 5 level 1 tables plus the level 3
	// and level 2 tables for the cursor range
	if exp := uint64(7); report.TableFrames != exp {
		t.Fatalf("expected %d new page table frames; got %d", exp, report.TableFrames)
	}

	if report.UsedAfter != report.UsedBefore+report.TableFrames {
		t.Fatalf("expected only page tables to remain allocated; got %+v", report)
	}

	if exp := uint64(4 * 600); m.TLBFlushes() != exp {
		t.Fatalf("expected %d TLB flushes; got %d", exp, m.TLBFlushes())
	}
}

func TestStressCancelled(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := bootMachine(t, config.Default(), Options{Log: log})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Stress(ctx, 2, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled; got %v", err)
	}
}

func TestTranslate(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := bootMachine(t, config.Default(), Options{Log: log})

	translations, err := m.Translate(3)
	if err != nil {
		t.Fatal(err)
	}

	if len(translations) != 4 {
		t.Fatalf("expected 3 page translations and the identity entry; got %v", translations)
	}

	for i, tr := range translations[:3] {
		if exp := mm.MinVirtualAddress + uintptr(i)*mm.PageSize; tr.Virtual != exp {
			t.Errorf("[page %d] expected virtual address 0x%x; got 0x%x", i, exp, tr.Virtual)
		}

		if !m.Frames().Allocated(tr.Physical) {
			t.Errorf("[page %d] expected backing frame 0x%x to be allocated", i, tr.Physical)
		}
	}

	if identity := translations[3]; identity.Virtual != identity.Physical || identity.Virtual != translations[0].Physical {
		t.Errorf("expected the shared identity map to translate 0x%x; got %+v", translations[0].Physical, identity)
	}
}

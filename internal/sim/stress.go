package sim

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/CodeStix/kokos-sub000/kernel/mm/pmm"
	"github.com/CodeStix/kokos-sub000/kernel/mm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxHeldPerWorker is the number of frames a stress worker holds before it
// starts returning the oldest ones.
const maxHeldPerWorker = 32

// StressReport summarizes a stress run.
type StressReport struct {
	Allocations uint64
	Frees       uint64
	Exhausted   uint64
	TableFrames uint64
	UsedBefore  uint64
	UsedAfter   uint64
	Duration    time.Duration
}

type heldFrame struct {
	phys, virt uintptr
}

// Stress runs workers goroutines that each perform rounds iterations of
// allocating a frame, mapping it into the kernel address space through the
// cursor, checking the translation and eventually unmapping and freeing it.
// Afterwards it verifies that every data frame was returned, so the only
// frames still in use are the ones taken by new page tables.
func (m *Machine) Stress(ctx context.Context, workers, rounds int) (StressReport, error) {
	var (
		report StressReport
		mu     stdsync.Mutex
		owners stdsync.Map
		frames = m.Frames()
	)

	report.UsedBefore = frames.UsedCount()
	tablesBefore := m.TableFrames()
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < workers; worker++ {
		worker := worker
		g.Go(func() error {
			var (
				held                         []heldFrame
				allocs, frees, exhaustedRuns uint64
			)

			release := func(h heldFrame) error {
				if err := m.kernel.Free(h.virt); err != nil {
					return fmt.Errorf("worker %d: unmapping 0x%x: %w", worker, h.virt, err)
				}
				owners.Delete(h.phys)
				if err := frames.Free(h.phys); err != nil {
					return fmt.Errorf("worker %d: freeing frame 0x%x: %w", worker, h.phys, err)
				}
				frees++
				return nil
			}

			defer func() {
				mu.Lock()
				report.Allocations += allocs
				report.Frees += frees
				report.Exhausted += exhaustedRuns
				mu.Unlock()
			}()

			for round := 0; round < rounds; round++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				phys, kerr := frames.Allocate()
				if kerr == pmm.ErrExhaustedPhysicalMemory {
					exhaustedRuns++
					if len(held) == 0 {
						continue
					}
					if err := release(held[0]); err != nil {
						return err
					}
					held = held[1:]
					continue
				} else if kerr != nil {
					return fmt.Errorf("worker %d: %w", worker, kerr)
				}
				allocs++

				if other, loaded := owners.LoadOrStore(phys, worker); loaded {
					return fmt.Errorf("worker %d: frame 0x%x is already owned by worker %d", worker, phys, other)
				}

				virt, kerr := m.kernel.Map(phys, vmm.FlagRW|vmm.FlagNoExecute)
				if kerr != nil {
					return fmt.Errorf("worker %d: mapping frame 0x%x: %w", worker, phys, kerr)
				}

				if got, ok := m.kernel.PhysicalAddress(virt); !ok || got != phys {
					return fmt.Errorf("worker %d: 0x%x translates to 0x%x, want 0x%x", worker, virt, got, phys)
				}
				held = append(held, heldFrame{phys: phys, virt: virt})

				if len(held) > maxHeldPerWorker {
					if err := release(held[0]); err != nil {
						return err
					}
					held = held[1:]
				}
			}

			for _, h := range held {
				if err := release(h); err != nil {
					return err
				}
			}

			m.log.WithFields(logrus.Fields{
				"worker": worker,
				"allocs": allocs,
				"frees":  frees,
			}).Debug("stress worker done")
			return nil
		})
	}

	err := g.Wait()
	report.Duration = time.Since(start)
	report.TableFrames = m.TableFrames() - tablesBefore
	report.UsedAfter = frames.UsedCount()
	if err != nil {
		return report, err
	}

	if exp := report.UsedBefore + report.TableFrames; report.UsedAfter != exp {
		return report, fmt.Errorf("sim: %d frames in use after the stress run; want %d", report.UsedAfter, exp)
	}
	return report, nil
}

// Translation is a virtual to physical address pair.
type Translation struct {
	Virtual  uintptr
	Physical uintptr
}

// Translate creates a process address space, backs count pages of it with
// newly allocated frames and returns their translations. The shared identity
// map translation of the first frame is appended for reference.
func (m *Machine) Translate(count int) ([]Translation, error) {
	proc, err := m.NewProcess()
	if err != nil {
		return nil, err
	}

	translations := make([]Translation, 0, count+1)
	for i := 0; i < count; i++ {
		virt, kerr := proc.Allocate(vmm.FlagRW | vmm.FlagUserAccessible)
		if kerr != nil {
			return translations, fmt.Errorf("sim: allocating page %d: %w", i, kerr)
		}

		phys, ok := proc.PhysicalAddress(virt)
		if !ok {
			return translations, fmt.Errorf("sim: page 0x%x is not mapped", virt)
		}
		translations = append(translations, Translation{Virtual: virt, Physical: phys})
	}

	if len(translations) > 0 {
		phys := translations[0].Physical
		if identity, ok := proc.PhysicalAddress(phys); ok {
			translations = append(translations, Translation{Virtual: phys, Physical: identity})
		}
	}
	return translations, nil
}

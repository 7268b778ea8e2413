package mmu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmsim/vm"
)

var _ = Describe("MMU", func() {
	var (
		mockCtrl *gomock.Controller
		cache    *MockTLB
		m        *Comp
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		cache = NewMockTLB(mockCtrl)
		m = MakeBuilder().
			WithNumFrames(4).
			WithTLB(cache).
			Build("MMU")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should boot with a single empty process", func() {
		Expect(m.CurrentProcess().PID).To(Equal(vm.PID(0)))
		Expect(m.ReadyProcesses()).To(BeEmpty())
	})

	It("should return a cached translation without walking", func() {
		cache.EXPECT().
			Lookup(uint64(0x5), vm.AccessRead).
			Return(uint64(0x3), true)

		pfn, err := m.Translate(0x5, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(pfn).To(Equal(uint64(0x3)))
	})

	It("should demand-allocate on first touch and fill the TLB", func() {
		cache.EXPECT().
			Lookup(uint64(0x5), vm.AccessRead).
			Return(uint64(0), false)
		cache.EXPECT().
			Insert(uint64(0x5), vm.AccessRead, uint64(0))

		pfn, err := m.Translate(0x5, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(pfn).To(Equal(uint64(0)))
		Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(1)))

		pte := m.CurrentProcess().PageTable.Entry(0x5)
		Expect(pte.Valid).To(BeTrue())
		Expect(pte.Access).To(Equal(vm.AccessRead))
	})

	It("should report frame exhaustion as a translation failure", func() {
		cache.EXPECT().
			Lookup(gomock.Any(), gomock.Any()).
			Return(uint64(0), false).
			AnyTimes()
		cache.EXPECT().
			Insert(gomock.Any(), gomock.Any(), gomock.Any()).
			Times(4)

		for vpn := uint64(0); vpn < 4; vpn++ {
			_, err := m.Translate(vpn, vm.AccessRead)
			Expect(err).ToNot(HaveOccurred())
		}

		_, err := m.Translate(4, vm.AccessRead)

		Expect(err).To(MatchError(ErrFramesExhausted))
	})

	It("should deny a write on a read-only page with no COW lineage", func() {
		err := m.handlePageFault(0x5, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())

		cache.EXPECT().
			Lookup(uint64(0x5), vm.AccessRead|vm.AccessWrite).
			Return(uint64(0), false)

		_, err = m.Translate(0x5, vm.AccessRead|vm.AccessWrite)

		Expect(err).To(MatchError(ErrProtectionViolation))

		pte := m.CurrentProcess().PageTable.Entry(0x5)
		Expect(pte.Access).To(Equal(vm.AccessRead))
		Expect(m.FrameTable().RefCount(pte.PFN)).To(Equal(uint32(1)))
	})

	It("should succeed without mutation on an already-satisfied fault", func() {
		err := m.handlePageFault(0x5, vm.AccessRead)
		Expect(err).ToNot(HaveOccurred())
		before := *m.CurrentProcess().PageTable.Entry(0x5)

		err = m.handlePageFault(0x5, vm.AccessRead)

		Expect(err).ToNot(HaveOccurred())
		Expect(*m.CurrentProcess().PageTable.Entry(0x5)).To(Equal(before))
	})

	Context("freeing pages", func() {
		BeforeEach(func() {
			err := m.handlePageFault(0x5, vm.AccessRead)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should release the frame and invalidate the TLB", func() {
			cache.EXPECT().InvalidateFrame(uint64(0))

			m.FreePage(0x5)

			Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(0)))
			Expect(m.CurrentProcess().PageTable.Entry(0x5).Valid).To(BeFalse())
		})

		It("should treat a second free as a no-op", func() {
			cache.EXPECT().InvalidateFrame(uint64(0))
			m.FreePage(0x5)

			m.FreePage(0x5)

			Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(0)))
		})

		It("should ignore freeing a page that was never mapped", func() {
			m.FreePage(0x9)
		})
	})

	Context("switching and forking", func() {
		It("should fork when the pid is unknown", func() {
			cache.EXPECT().Flush()

			m.SwitchProcess(1)

			Expect(m.CurrentProcess().PID).To(Equal(vm.PID(1)))
			Expect(m.ReadyProcesses()).To(HaveLen(1))
			Expect(m.ReadyProcesses()[0].PID).To(Equal(vm.PID(0)))
		})

		It("should switch when the pid is on the ready queue", func() {
			cache.EXPECT().Flush().Times(2)

			m.SwitchProcess(1)
			m.SwitchProcess(0)

			Expect(m.CurrentProcess().PID).To(Equal(vm.PID(0)))
			Expect(m.ReadyProcesses()).To(HaveLen(1))
			Expect(m.ReadyProcesses()[0].PID).To(Equal(vm.PID(1)))
		})

		It("should establish COW sharing on fork", func() {
			err := m.handlePageFault(0x5, vm.AccessRead|vm.AccessWrite)
			Expect(err).ToNot(HaveOccurred())
			cache.EXPECT().Flush()

			m.SwitchProcess(1)

			child := m.CurrentProcess().PageTable.Entry(0x5)
			parent := m.ReadyProcesses()[0].PageTable.Entry(0x5)

			Expect(parent.Access).To(Equal(vm.AccessRead))
			Expect(child.Access).To(Equal(vm.AccessRead))
			Expect(parent.COWRecorded).To(BeTrue())
			Expect(parent.COWOrigin).To(Equal(vm.AccessRead | vm.AccessWrite))
			Expect(child.COWRecorded).To(BeTrue())
			Expect(child.COWOrigin).To(Equal(vm.AccessRead | vm.AccessWrite))
			Expect(child.PFN).To(Equal(parent.PFN))
			Expect(m.FrameTable().RefCount(parent.PFN)).To(Equal(uint32(2)))
		})

		It("should keep the original snapshot across repeated forks", func() {
			err := m.handlePageFault(0x5, vm.AccessRead|vm.AccessWrite)
			Expect(err).ToNot(HaveOccurred())
			cache.EXPECT().Flush().Times(2)

			m.SwitchProcess(1)
			m.SwitchProcess(2)

			pte := m.CurrentProcess().PageTable.Entry(0x5)
			Expect(pte.COWOrigin).To(Equal(vm.AccessRead | vm.AccessWrite))
		})
	})

	Context("resolving COW write faults", func() {
		BeforeEach(func() {
			err := m.handlePageFault(0x5, vm.AccessRead|vm.AccessWrite)
			Expect(err).ToNot(HaveOccurred())
			cache.EXPECT().Flush()
			m.SwitchProcess(1)
		})

		It("should copy the frame while it is shared", func() {
			cache.EXPECT().InvalidateFrame(uint64(0))

			err := m.handlePageFault(0x5, vm.AccessWrite)

			Expect(err).ToNot(HaveOccurred())

			pte := m.CurrentProcess().PageTable.Entry(0x5)
			Expect(pte.PFN).To(Equal(uint64(1)))
			Expect(pte.Access).To(Equal(vm.AccessRead | vm.AccessWrite))
			Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(1)))
			Expect(m.FrameTable().RefCount(1)).To(Equal(uint32(1)))

			other := m.ReadyProcesses()[0].PageTable.Entry(0x5)
			Expect(other.PFN).To(Equal(uint64(0)))
			Expect(other.Access).To(Equal(vm.AccessRead))
		})

		It("should fail without mutation when no frame is free for the copy",
			func() {
				for vpn := uint64(0); vpn < 3; vpn++ {
					err := m.handlePageFault(vpn, vm.AccessRead)
					Expect(err).ToNot(HaveOccurred())
				}
				before := *m.CurrentProcess().PageTable.Entry(0x5)

				err := m.handlePageFault(0x5, vm.AccessWrite)

				Expect(err).To(MatchError(ErrFramesExhausted))
				Expect(*m.CurrentProcess().PageTable.Entry(0x5)).
					To(Equal(before))
				Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(2)))
			})

		It("should upgrade in place once the frame is private again", func() {
			cache.EXPECT().InvalidateFrame(uint64(0))
			err := m.handlePageFault(0x5, vm.AccessWrite)
			Expect(err).ToNot(HaveOccurred())

			cache.EXPECT().Flush()
			m.SwitchProcess(0)

			err = m.handlePageFault(0x5, vm.AccessWrite)

			Expect(err).ToNot(HaveOccurred())

			pte := m.CurrentProcess().PageTable.Entry(0x5)
			Expect(pte.PFN).To(Equal(uint64(0)))
			Expect(pte.Access).To(Equal(vm.AccessRead | vm.AccessWrite))
			Expect(m.FrameTable().RefCount(0)).To(Equal(uint32(1)))
		})
	})
})

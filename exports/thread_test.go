package exports_test

import (
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/kernel"
	"github.com/sarchlab/recompbridge/mem"
)

const (
	entryMark = 0x82000000
	entryTLS  = 0x82000010
)

var _ = Describe("Thread exports", func() {
	var g *guest

	BeforeEach(func() {
		g = newGuest(func(ft *emu.FunctionTable) {
			// Writes 1 to the word at arg0 and exits with 7.
			ft.MustRegister(entryMark, func(c *emu.Context, as *mem.AddressSpace) {
				as.Write32(c.ArgInt32(0), 1)
				c.SetReturn(7)
			})
			// arg0 points at {slot, before, after}.
			ft.MustRegister(entryTLS, func(c *emu.Context, as *mem.AddressSpace) {
				p := c.ArgInt32(0)
				slot := as.Read32(p)
				as.Write32(p+4, g.callOn(c, "KeTlsGetValue", slot))
				g.callOn(c, "KeTlsSetValue", slot, 0x55)
				as.Write32(p+8, g.callOn(c, "KeTlsGetValue", slot))
			})
		})
	})

	createThread := func(entry, arg, flags uint32) (kernel.Status, kernel.Handle, uint32) {
		out := g.scratch(8)
		st := g.call("ExCreateThread", out, 0, out+4, 0, entry, arg, flags)
		return kernel.Status(st), kernel.Handle(g.as.Read32(out)), g.as.Read32(out + 4)
	}

	It("should run the start routine and make the handle waitable", func() {
		flag := g.scratch(4)
		st, h, id := createThread(entryMark, flag, 0)
		Expect(st).To(Equal(kernel.StatusSuccess))
		Expect(h).NotTo(BeZero())
		Expect(id).NotTo(BeZero())

		Expect(kernel.Status(g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, 0))).
			To(Equal(kernel.StatusSuccess))
		Expect(g.as.Read32(flag)).To(Equal(uint32(1)))

		By("staying signalled after the thread exits")
		Expect(kernel.Status(g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, g.relativeTimeout(0)))).
			To(Equal(kernel.StatusSuccess))
	})

	It("should hold a suspended thread until resumed", func() {
		flag := g.scratch(4)
		st, h, _ := createThread(entryMark, flag, 1)
		Expect(st).To(Equal(kernel.StatusSuccess))

		Expect(kernel.Status(g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, g.relativeTimeout(20)))).
			To(Equal(kernel.StatusTimeout))
		Expect(g.as.Read32(flag)).To(BeZero())

		count := g.scratch(4)
		Expect(kernel.Status(g.call("NtResumeThread", uint32(h), count))).To(Equal(kernel.StatusSuccess))
		Expect(g.as.Read32(count)).To(Equal(uint32(1)))

		Expect(kernel.Status(g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, 0))).
			To(Equal(kernel.StatusSuccess))
		Expect(g.as.Read32(flag)).To(Equal(uint32(1)))
	})

	It("should fail for a start routine that was never translated", func() {
		st, h, _ := createThread(0x82FFFF00, 0, 0)
		Expect(st).To(Equal(kernel.StatusInvalidParam))
		Expect(h).To(BeZero())
	})

	It("should forget a closed thread handle", func() {
		st, h, _ := createThread(entryMark, g.scratch(4), 0)
		Expect(st).To(Equal(kernel.StatusSuccess))
		g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, 0)

		Expect(kernel.Status(g.call("NtClose", uint32(h)))).To(Equal(kernel.StatusSuccess))
		Expect(kernel.Status(g.call("NtResumeThread", uint32(h), 0))).To(Equal(kernel.StatusInvalidHandle))
		Expect(kernel.Status(g.call("NtClose", uint32(h)))).To(Equal(kernel.StatusInvalidHandle))
	})

	It("should keep TLS values per thread", func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		slot := g.call("KeTlsAlloc")
		Expect(g.call("KeTlsSetValue", slot, 0x11)).To(Equal(uint32(1)))

		block := g.scratch(12)
		g.as.Write32(block, slot)
		st, h, _ := createThread(entryTLS, block, 0)
		Expect(st).To(Equal(kernel.StatusSuccess))
		g.call("NtWaitForSingleObjectEx", uint32(h), 0, 0, 0)

		Expect(g.as.Read32(block + 4)).To(BeZero())
		Expect(g.as.Read32(block + 8)).To(Equal(uint32(0x55)))
		Expect(g.call("KeTlsGetValue", slot)).To(Equal(uint32(0x11)))

		Expect(g.call("KeTlsFree", slot)).To(Equal(uint32(1)))
		Expect(g.call("KeTlsAlloc")).To(Equal(slot))
	})

	It("should report the processor from the PCR", func() {
		Expect(g.call("KeGetCurrentProcessorNumber")).
			To(Equal(g.ctx.ID() % emu.HardwareThreads))
	})
})

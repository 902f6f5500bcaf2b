package exports_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/kernel"
)

var _ = Describe("Sync exports", func() {
	var g *guest

	BeforeEach(func() {
		g = newGuest(nil)
	})

	status := func(name string, args ...uint32) kernel.Status {
		return kernel.Status(g.call(name, args...))
	}

	create := func(name string, args ...uint32) kernel.Handle {
		out := g.scratch(4)
		ExpectWithOffset(1, status(name, append([]uint32{out, 0}, args...)...)).To(Equal(kernel.StatusSuccess))
		h := kernel.Handle(g.as.Read32(out))
		ExpectWithOffset(1, h).NotTo(BeZero())
		return h
	}

	poll := func(h kernel.Handle) kernel.Status {
		return status("NtWaitForSingleObjectEx", uint32(h), 0, 0, g.relativeTimeout(0))
	}

	Describe("handle events", func() {
		It("should keep a notification event signalled", func() {
			h := create("NtCreateEvent", 0, 0)
			Expect(poll(h)).To(Equal(kernel.StatusTimeout))

			prev := g.scratch(4)
			Expect(status("NtSetEvent", uint32(h), prev)).To(Equal(kernel.StatusSuccess))
			Expect(g.as.Read32(prev)).To(BeZero())
			Expect(poll(h)).To(Equal(kernel.StatusSuccess))
			Expect(poll(h)).To(Equal(kernel.StatusSuccess))

			Expect(status("NtClearEvent", uint32(h))).To(Equal(kernel.StatusSuccess))
			Expect(poll(h)).To(Equal(kernel.StatusTimeout))
		})

		It("should consume a synchronization event on wait", func() {
			h := create("NtCreateEvent", 1, 1)
			Expect(poll(h)).To(Equal(kernel.StatusSuccess))
			Expect(poll(h)).To(Equal(kernel.StatusTimeout))
		})

		It("should leave a pulsed event unsignalled", func() {
			h := create("NtCreateEvent", 0, 1)
			prev := g.scratch(4)
			Expect(status("NtPulseEvent", uint32(h), prev)).To(Equal(kernel.StatusSuccess))
			Expect(g.as.Read32(prev)).To(Equal(uint32(1)))
			Expect(poll(h)).To(Equal(kernel.StatusTimeout))
		})

		It("should wake a waiter on another thread", func() {
			h := create("NtCreateEvent", 1, 0)
			done := make(chan kernel.Status, 1)
			go func() {
				done <- g.kernel.Wait(h, 99, kernel.Infinite)
			}()
			Consistently(done, 20*time.Millisecond).ShouldNot(Receive())

			status("NtSetEvent", uint32(h), 0)
			Eventually(done).Should(Receive(Equal(kernel.StatusSuccess)))
		})

		It("should reject handles of the wrong kind", func() {
			h := create("NtCreateSemaphore", 0, 1)
			Expect(status("NtSetEvent", uint32(h), 0)).To(Equal(kernel.StatusInvalidHandle))
			Expect(status("NtClearEvent", 0x1234)).To(Equal(kernel.StatusInvalidHandle))
		})
	})

	Describe("handle semaphores", func() {
		It("should count releases up to the limit", func() {
			h := create("NtCreateSemaphore", 1, 2)
			prev := g.scratch(4)

			Expect(status("NtReleaseSemaphore", uint32(h), 5, prev)).To(Equal(kernel.StatusSuccess))
			Expect(g.as.Read32(prev)).To(Equal(uint32(1)))

			Expect(poll(h)).To(Equal(kernel.StatusSuccess))
			Expect(poll(h)).To(Equal(kernel.StatusSuccess))
			Expect(poll(h)).To(Equal(kernel.StatusTimeout))
		})

		It("should reject an initial count above the limit", func() {
			out := g.scratch(4)
			Expect(status("NtCreateSemaphore", out, 0, 3, 2)).To(Equal(kernel.StatusInvalidParam))
			Expect(g.as.Read32(out)).To(BeZero())
		})
	})

	Describe("mutants", func() {
		It("should be owned by the creating thread", func() {
			h := create("NtCreateMutant", 1)
			Expect(g.kernel.Wait(h, 99, 0)).To(Equal(kernel.StatusTimeout))

			Expect(status("NtReleaseMutant", uint32(h), 0)).To(Equal(kernel.StatusSuccess))
			Expect(g.kernel.Wait(h, 99, 0)).To(Equal(kernel.StatusSuccess))
		})

		It("should refuse a release by a thread that does not own it", func() {
			h := create("NtCreateMutant", 0)
			Expect(g.kernel.Wait(h, 99, 0)).To(Equal(kernel.StatusSuccess))
			Expect(status("NtReleaseMutant", uint32(h), 0)).To(Equal(kernel.StatusNotOwner))
		})
	})

	Describe("guest-resident objects", func() {
		var obj uint32

		BeforeEach(func() {
			obj = g.scratch(0x20)
		})

		It("should initialise and signal events in place", func() {
			g.call("KeInitializeEvent", obj, 1, 0)
			Expect(g.as.Read8(obj)).To(Equal(uint8(1)))

			Expect(g.call("KeSetEvent", obj, 0, 0)).To(BeZero())
			Expect(g.call("KeSetEvent", obj, 0, 0)).To(Equal(uint32(1)))
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, 0)).To(Equal(kernel.StatusSuccess))
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, g.relativeTimeout(0))).
				To(Equal(kernel.StatusTimeout))
		})

		It("should report the previous state on reset", func() {
			g.call("KeInitializeEvent", obj, 0, 1)
			Expect(g.call("KeResetEvent", obj)).To(Equal(uint32(1)))
			Expect(g.call("KeResetEvent", obj)).To(BeZero())
		})

		It("should trap an unknown event type", func() {
			g.call("KeInitializeEvent", obj, 7, 0)
			Expect(g.faults.Errors()).To(ConsistOf(MatchError(ContainSubstring("event type 7"))))
		})

		It("should bind an event the guest initialised itself", func() {
			g.as.Write8(obj, 0)
			g.as.Write32(obj+4, 1)
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, 0)).To(Equal(kernel.StatusSuccess))
		})

		It("should release semaphores in place", func() {
			g.call("KeInitializeSemaphore", obj, 0, 4)
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, g.relativeTimeout(0))).
				To(Equal(kernel.StatusTimeout))

			Expect(g.call("KeReleaseSemaphore", obj, 1, 2, 0)).To(BeZero())
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, 0)).To(Equal(kernel.StatusSuccess))
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, 0)).To(Equal(kernel.StatusSuccess))
		})

		It("should trap a wait on an unsupported object", func() {
			g.as.Write8(obj, 8)
			Expect(status("KeWaitForSingleObject", obj, 0, 0, 0, 0)).To(Equal(kernel.StatusInvalidParam))
			Expect(g.faults.Len()).To(Equal(1))
		})

		It("should trap an object used as the wrong kind", func() {
			g.call("KeInitializeSemaphore", obj, 0, 4)
			g.call("KeSetEvent", obj, 0, 0)
			Expect(g.faults.Errors()).To(ConsistOf(MatchError(ContainSubstring("is a semaphore, want event"))))
		})
	})

	Describe("critical sections", func() {
		var cs uint32

		BeforeEach(func() {
			cs = g.scratch(0x1C)
			g.call("RtlInitializeCriticalSection", cs)
		})

		It("should be recursive for the owner", func() {
			g.call("RtlEnterCriticalSection", cs)
			Expect(g.call("RtlTryEnterCriticalSection", cs)).To(Equal(uint32(1)))

			g.call("RtlLeaveCriticalSection", cs)
			g.call("RtlLeaveCriticalSection", cs)
			Expect(g.faults.Len()).To(BeZero())
		})

		It("should exclude other threads", func() {
			g.call("RtlEnterCriticalSection", cs)

			other, err := g.rt.NewContext()
			Expect(err).NotTo(HaveOccurred())
			defer other.Close()
			Expect(g.callOn(other, "RtlTryEnterCriticalSection", cs)).To(BeZero())

			entered := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				g.callOn(other, "RtlEnterCriticalSection", cs)
				close(entered)
			}()
			Consistently(entered, 20*time.Millisecond).ShouldNot(BeClosed())

			g.call("RtlLeaveCriticalSection", cs)
			Eventually(entered).Should(BeClosed())
		})

		It("should trap a leave by a thread that does not own it", func() {
			g.call("RtlLeaveCriticalSection", cs)
			Expect(g.faults.Errors()).To(ConsistOf(MatchError(ContainSubstring("mutex released by thread"))))
		})
	})

	It("should close handles once", func() {
		h := create("NtCreateEvent", 0, 0)
		Expect(status("NtClose", uint32(h))).To(Equal(kernel.StatusSuccess))
		Expect(status("NtClose", uint32(h))).To(Equal(kernel.StatusInvalidHandle))
	})
})

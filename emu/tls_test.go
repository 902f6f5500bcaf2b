package emu_test

import (
	"runtime"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/emu"
)

var _ = Describe("TLS", func() {
	var tls *emu.TLS

	BeforeEach(func() {
		tls = emu.NewTLS()
	})

	It("should hand out small consecutive slots", func() {
		Expect(tls.Alloc()).To(Equal(uint32(0)))
		Expect(tls.Alloc()).To(Equal(uint32(1)))
		Expect(tls.Alloc()).To(Equal(uint32(2)))
	})

	It("should reuse freed slots first", func() {
		a := tls.Alloc()
		b := tls.Alloc()
		tls.Free(a)
		Expect(tls.Alloc()).To(Equal(a))
		Expect(tls.Alloc()).To(Equal(b + 1))
	})

	It("should read zero from a slot never set", func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		Expect(tls.Get(tls.Alloc())).To(BeZero())
		Expect(tls.Get(1000)).To(BeZero())
	})

	It("should grow the value array on demand", func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer tls.Release()

		tls.Set(3, 30)
		tls.Set(200, 2000)
		Expect(tls.Get(3)).To(Equal(uint64(30)))
		Expect(tls.Get(200)).To(Equal(uint64(2000)))
	})

	It("should keep values of different host threads apart", func() {
		slot := tls.Alloc()
		start := make(chan struct{})
		results := make([]uint64, 4)

		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				defer tls.Release()

				<-start
				tls.Set(slot, uint64(i+1)*11)
				runtime.Gosched()
				results[i] = tls.Get(slot)
			}(i)
		}
		close(start)
		wg.Wait()

		Expect(results).To(Equal([]uint64{11, 22, 33, 44}))
	})

	It("should drop a thread's values on release", func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tls.Set(0, 5)
		tls.Release()
		Expect(tls.Get(0)).To(BeZero())
	})
})

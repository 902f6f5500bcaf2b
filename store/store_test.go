package store_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/store"
)

var _ = Describe("BlobStore", func() {
	var s *store.BlobStore

	BeforeEach(func() {
		var err error
		s, err = store.Open("blobs", store.InMemory(), store.WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)
	})

	It("should report a miss without an error", func() {
		_, ok, err := s.Get(store.Shaders, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should return what was stored", func() {
		blob := bytes.Repeat([]byte("shader"), 500)
		Expect(s.Put(store.Shaders, 0xABCDEF, blob)).To(Succeed())

		got, ok, err := s.Get(store.Shaders, 0xABCDEF)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(blob))
	})

	It("should keep namespaces apart", func() {
		Expect(s.Put(store.Shaders, 7, []byte("s"))).To(Succeed())
		Expect(s.Put(store.Pipelines, 7, []byte("p"))).To(Succeed())

		got, _, _ := s.Get(store.Pipelines, 7)
		Expect(got).To(Equal([]byte("p")))

		hashes, err := s.Hashes(store.Shaders)
		Expect(err).NotTo(HaveOccurred())
		Expect(hashes).To(Equal([]uint64{7}))
	})

	It("should list hashes in order and forget deleted blobs", func() {
		for _, h := range []uint64{30, 10, 20} {
			Expect(s.Put(store.Pipelines, h, []byte{byte(h)})).To(Succeed())
		}
		Expect(s.Delete(store.Pipelines, 20)).To(Succeed())

		hashes, err := s.Hashes(store.Pipelines)
		Expect(err).NotTo(HaveOccurred())
		Expect(hashes).To(Equal([]uint64{10, 30}))
	})

	It("should serve a namespace view", func() {
		v := s.Namespace(store.Shaders)
		Expect(v.Put(99, []byte("blob"))).To(Succeed())
		got, ok, err := v.Get(99)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal([]byte("blob")))
	})

	It("should persist across reopen on disk", func() {
		dir := GinkgoT().TempDir()
		disk, err := store.Open(dir, store.WithSync())
		Expect(err).NotTo(HaveOccurred())
		Expect(disk.Put(store.Shaders, 5, []byte("kept"))).To(Succeed())
		Expect(disk.Close()).To(Succeed())

		disk, err = store.Open(dir)
		Expect(err).NotTo(HaveOccurred())
		defer disk.Close()
		got, ok, err := disk.Get(store.Shaders, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal([]byte("kept")))
	})
})

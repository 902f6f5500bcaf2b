package pipecache_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/gpu/pipecache"
)

func key(n uint32) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint32(k, n)
	return k
}

var _ = Describe("Cache", func() {
	var c *pipecache.Cache

	BeforeEach(func() {
		c = pipecache.New(pipecache.Config{Sets: 4, Ways: 2})
	})

	It("should miss on a cold cache", func() {
		_, ok := c.Get(key(1))
		Expect(ok).To(BeFalse())

		stats := c.Stats()
		Expect(stats.Lookups).To(Equal(uint64(1)))
		Expect(stats.Misses).To(Equal(uint64(1)))
	})

	It("should hit after a put", func() {
		Expect(c.Put(key(1), "p1")).To(BeNil())

		p, ok := c.Get(key(1))
		Expect(ok).To(BeTrue())
		Expect(p).To(Equal("p1"))
		Expect(c.Contains(key(1))).To(BeTrue())
		Expect(c.Stats().Hits).To(Equal(uint64(1)))
	})

	It("should return the replaced pipeline when a key is put again", func() {
		c.Put(key(1), "old")
		Expect(c.Put(key(1), "new")).To(Equal("old"))
		p, _ := c.Get(key(1))
		Expect(p).To(Equal("new"))
		Expect(c.Stats().Evictions).To(BeZero())
	})

	It("should evict the least recently used entry of a full set", func() {
		// Find three keys landing in the same set.
		var same [][]byte
		target := pipecache.Hash(key(0)) % 4
		for n := uint32(0); len(same) < 3; n++ {
			if pipecache.Hash(key(n))%4 == target {
				same = append(same, key(n))
			}
		}

		c.Put(same[0], "a")
		c.Put(same[1], "b")
		c.Get(same[0])

		Expect(c.Put(same[2], "c")).To(Equal("b"))
		Expect(c.Contains(same[0])).To(BeTrue())
		Expect(c.Contains(same[1])).To(BeFalse())
		Expect(c.Stats().Evictions).To(Equal(uint64(1)))
	})

	It("should visit every entry and reset", func() {
		for n := uint32(0); n < 5; n++ {
			c.Put(key(n), n)
		}
		seen := 0
		c.Each(func(_ []byte, _ pipecache.Pipeline) { seen++ })
		Expect(seen).To(BeNumerically(">=", 4))

		c.Reset()
		seen = 0
		c.Each(func(_ []byte, _ pipecache.Pipeline) { seen++ })
		Expect(seen).To(BeZero())
		Expect(c.Stats()).To(Equal(pipecache.Statistics{}))
	})
})

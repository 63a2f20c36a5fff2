package rendezvous

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/core/coretest"
	"github.com/yandex/piping/lib/testutil"
)

var _ = Describe("Registry", func() {
	var (
		registry *Registry
		metrics  Metrics
	)
	BeforeEach(func() {
		metrics = NewMetrics("")
		registry = NewRegistry(testutil.NewGinkgoLogger(), metrics)
	})

	join := func(role core.Role, path string, n int) (Ack, error) {
		var conn core.Conn
		if role == core.Sender {
			conn = coretest.NewSender(path, nil, "")
		} else {
			conn = coretest.NewReceiver(path)
		}
		return registry.Join(role, path, n, conn)
	}

	It("first join creates pending path", func() {
		ack, err := join(core.Receiver, "/a", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Created).To(BeTrue())
		Expect(ack.N).To(Equal(2))
		Expect(ack.Connected).To(Equal(1))
		Expect(ack.Pipe).To(BeNil())
		Expect(registry.State("/a")).To(Equal(Pending))
		Expect(metrics.PendingPaths.Get()).To(Equal(int64(1)))
	})

	It("establishes when sender and n receivers joined", func() {
		sender := coretest.NewSender("/a", nil, "")
		r1, r2 := coretest.NewReceiver("/a"), coretest.NewReceiver("/a")

		ack, err := registry.Join(core.Receiver, "/a", 2, r1)
		Expect(err).NotTo(HaveOccurred())
		first := ack.Slot

		ack, err = registry.Join(core.Sender, "/a", 2, sender)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Created).To(BeFalse())
		Expect(ack.Connected).To(Equal(1))
		Expect(ack.Pipe).To(BeNil())

		ack, err = registry.Join(core.Receiver, "/a", 2, r2)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.WaitingSender).To(BeIdenticalTo(sender))
		Expect(ack.Pipe).NotTo(BeNil())
		Expect(ack.Pipe.Path).To(Equal("/a"))
		Expect(ack.Pipe.Sender).To(BeIdenticalTo(sender))
		Expect(ack.Pipe.Receivers).To(Equal([]core.Conn{r1, r2}))

		Expect(first.Established()).To(BeClosed())
		Expect(registry.State("/a")).To(Equal(Established))
		Expect(metrics.PendingPaths.Get()).To(BeZero())
		Expect(metrics.EstablishedPaths.Get()).To(Equal(int64(1)))
	})

	It("establishes immediately with n = 1", func() {
		_, err := join(core.Sender, "/one", 1)
		Expect(err).NotTo(HaveOccurred())
		ack, err := join(core.Receiver, "/one", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(ack.Pipe).NotTo(BeNil())
		Expect(ack.Pipe.Receivers).To(HaveLen(1))
	})

	Context("rejections", func() {
		It("already established", func() {
			_, _ = join(core.Sender, "/a", 1)
			_, _ = join(core.Receiver, "/a", 1)

			_, err := join(core.Receiver, "/a", 1)
			Expect(IsJoinError(err, AlreadyEstablished)).To(BeTrue())
			_, err = join(core.Sender, "/a", 1)
			Expect(IsJoinError(err, AlreadyEstablished)).To(BeTrue())
			Expect(err.Error()).To(Equal("Connection on '/a' has been established already."))
		})

		It("duplicate sender", func() {
			_, _ = join(core.Sender, "/a", 1)
			_, err := join(core.Sender, "/a", 1)
			Expect(IsJoinError(err, DuplicateSender)).To(BeTrue())
			Expect(err.Error()).To(Equal("Another sender has been connected on '/a'."))
		})

		It("duplicate sender is checked before count", func() {
			_, _ = join(core.Sender, "/a", 1)
			_, err := join(core.Sender, "/a", 3)
			Expect(IsJoinError(err, DuplicateSender)).To(BeTrue())
		})

		It("count mismatch", func() {
			_, _ = join(core.Receiver, "/a", 2)
			_, err := join(core.Sender, "/a", 3)
			Expect(IsJoinError(err, CountMismatch)).To(BeTrue())
			Expect(err.Error()).To(Equal("The number of receivers should be 2 but 3."))

			_, err = join(core.Receiver, "/a", 1)
			Expect(IsJoinError(err, CountMismatch)).To(BeTrue())
		})

		It("receivers limit", func() {
			_, _ = join(core.Receiver, "/a", 2)
			_, _ = join(core.Receiver, "/a", 2)
			_, err := join(core.Receiver, "/a", 2)
			Expect(IsJoinError(err, LimitReached)).To(BeTrue())
			Expect(registry.State("/a")).To(Equal(Pending))
		})

		It("rejection doesn't change state", func() {
			_, _ = join(core.Receiver, "/a", 2)
			_, _ = join(core.Sender, "/a", 5)
			pending, established := registry.Len()
			Expect(pending).To(Equal(1))
			Expect(established).To(BeZero())
		})
	})

	Context("cancel", func() {
		It("removes the last occupant and the path", func() {
			ack, _ := join(core.Sender, "/a", 1)
			Expect(registry.Cancel(ack.Slot)).To(BeTrue())
			Expect(registry.State("/a")).To(Equal(Absent))
			Expect(metrics.PendingPaths.Get()).To(BeZero())

			By("path is reusable with other n")
			_, err := join(core.Receiver, "/a", 3)
			Expect(err).NotTo(HaveOccurred())
		})

		It("removes only canceled receiver", func() {
			r1, _ := join(core.Receiver, "/a", 2)
			r2, _ := join(core.Receiver, "/a", 2)
			Expect(registry.Cancel(r1.Slot)).To(BeTrue())
			Expect(registry.State("/a")).To(Equal(Pending))

			ack, err := join(core.Sender, "/a", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Connected).To(Equal(1))
			Expect(ack.Pipe).To(BeNil())

			ack, err = join(core.Receiver, "/a", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ack.Pipe).NotTo(BeNil())
			Expect(ack.Pipe.Receivers).To(ConsistOf(r2.Slot.Conn(), ack.Slot.Conn()))
		})

		It("canceled sender slot may be taken by new sender", func() {
			s, _ := join(core.Sender, "/a", 2)
			_, _ = join(core.Receiver, "/a", 2)
			Expect(registry.Cancel(s.Slot)).To(BeTrue())
			_, err := join(core.Sender, "/a", 2)
			Expect(err).NotTo(HaveOccurred())
		})

		It("is idempotent", func() {
			ack, _ := join(core.Receiver, "/a", 1)
			Expect(registry.Cancel(ack.Slot)).To(BeTrue())
			Expect(registry.Cancel(ack.Slot)).To(BeTrue())
			Expect(metrics.PendingPaths.Get()).To(BeZero())
		})

		It("old slot doesn't touch new pending entry", func() {
			old, _ := join(core.Receiver, "/a", 1)
			Expect(registry.Cancel(old.Slot)).To(BeTrue())
			_, _ = join(core.Receiver, "/a", 1)
			Expect(registry.Cancel(old.Slot)).To(BeTrue())
			Expect(registry.State("/a")).To(Equal(Pending))
		})

		It("is no-op after establishment", func() {
			s, _ := join(core.Sender, "/a", 1)
			r, _ := join(core.Receiver, "/a", 1)
			Expect(registry.Cancel(s.Slot)).To(BeFalse())
			Expect(registry.Cancel(r.Slot)).To(BeFalse())
			Expect(registry.State("/a")).To(Equal(Established))
		})
	})

	It("release makes path absent", func() {
		_, _ = join(core.Sender, "/a", 1)
		_, _ = join(core.Receiver, "/a", 1)
		registry.Release("/a")
		Expect(registry.State("/a")).To(Equal(Absent))
		Expect(metrics.EstablishedPaths.Get()).To(BeZero())

		_, err := join(core.Sender, "/a", 1)
		Expect(err).NotTo(HaveOccurred())
	})

	It("concurrent joins establish exactly one pipe per path", func() {
		const (
			paths = 20
			n     = 3
		)
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			pipes = map[string]int{}
		)
		for p := 0; p < paths; p++ {
			path := fmt.Sprintf("/path%d", p)
			for i := 0; i <= n; i++ {
				role := core.Receiver
				if i == 0 {
					role = core.Sender
				}
				wg.Add(1)
				go func(role core.Role, path string) {
					defer GinkgoRecover()
					defer wg.Done()
					ack, err := join(role, path, n)
					Expect(err).NotTo(HaveOccurred())
					if ack.Pipe != nil {
						mu.Lock()
						pipes[path]++
						mu.Unlock()
					}
				}(role, path)
			}
		}
		wg.Wait()
		Expect(pipes).To(HaveLen(paths))
		for _, count := range pipes {
			Expect(count).To(Equal(1))
		}
		pending, established := registry.Len()
		Expect(pending).To(BeZero())
		Expect(established).To(Equal(paths))
	})
})

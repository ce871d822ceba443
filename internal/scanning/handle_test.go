package scanning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-capture/internal/fault"
)

// fakeEngine is a scriptable Engine
type fakeEngine struct {
	text      string
	err       error
	progress  []int
	delay     time.Duration
	ignoreCtx bool
	unblock   chan struct{}

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	closed    atomic.Bool
}

func (f *fakeEngine) Recognize(ctx context.Context, _ []byte, _ string, progress ProgressFunc) (*Result, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	for _, p := range f.progress {
		progress(p)
	}
	if f.unblock != nil {
		if f.ignoreCtx {
			<-f.unblock
		} else {
			select {
			case <-f.unblock:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Text: f.text, Confidence: 0.9, Engine: "fake"}, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

var _ = Describe("Handle", func() {
	var (
		ctx        context.Context
		engine     *fakeEngine
		factoryErr []error
		created    atomic.Int32
		opts       HandleOptions
		handle     *Handle
		now        time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = &fakeEngine{text: "SHELL\nTotal: $45.20"}
		factoryErr = nil
		created.Store(0)
		now = time.Date(2024, 1, 14, 14, 15, 0, 0, time.UTC)
		opts = HandleOptions{Now: func() time.Time { return now }}
	})

	JustBeforeEach(func() {
		handle = NewHandle(func(context.Context) (Engine, error) {
			n := int(created.Add(1))
			if n <= len(factoryErr) && factoryErr[n-1] != nil {
				return nil, factoryErr[n-1]
			}
			return engine, nil
		}, opts)
	})

	Describe("Recognize", func() {
		It("should not create the engine before first use", func() {
			Expect(created.Load()).To(BeZero())
		})

		It("should return the engine's text stamped with the processing time", func() {
			res, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Text).To(Equal("SHELL\nTotal: $45.20"))
			Expect(res.Confidence).To(Equal(0.9))
			Expect(res.ProcessedAt).To(Equal(now))
		})

		It("should reuse the engine across calls", func() {
			_, err := handle.Recognize(ctx, []byte("a"), "image/png", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = handle.Recognize(ctx, []byte("b"), "image/png", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Load()).To(Equal(int32(1)))
			Expect(engine.calls.Load()).To(Equal(int32(2)))
		})

		When("the engine fails", func() {
			BeforeEach(func() {
				engine.err = errors.New("tesseract crashed")
			})

			It("returns ErrRecognition wrapping the cause", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(errors.Is(err, ErrRecognition)).To(BeTrue())
				Expect(err).To(MatchError(ContainSubstring("tesseract crashed")))
			})
		})

		When("the fault predicate fires", func() {
			BeforeEach(func() {
				opts.Fault = fault.Always
			})

			It("returns ErrRecognition without calling the engine", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(errors.Is(err, ErrRecognition)).To(BeTrue())
				Expect(engine.calls.Load()).To(BeZero())
			})
		})

		When("initialization fails", func() {
			BeforeEach(func() {
				factoryErr = []error{errors.New("no tessdata")}
			})

			It("returns ErrEngineInit", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(errors.Is(err, ErrEngineInit)).To(BeTrue())
				Expect(errors.Is(err, ErrRecognition)).To(BeFalse())
			})

			It("should retry initialization on the next call", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(err).To(HaveOccurred())

				res, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Text).NotTo(BeEmpty())
				Expect(created.Load()).To(Equal(int32(2)))
			})
		})

		When("the engine outlives the timeout", func() {
			BeforeEach(func() {
				opts.Timeout = 20 * time.Millisecond
				engine.unblock = make(chan struct{})
			})

			It("returns ErrRecognition with the deadline", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(errors.Is(err, ErrRecognition)).To(BeTrue())
				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			})

			It("should leave the handle usable", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(err).To(HaveOccurred())

				close(engine.unblock)
				res, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Text).NotTo(BeEmpty())
			})
		})

		When("the caller cancels while the engine ignores cancellation", func() {
			BeforeEach(func() {
				engine.unblock = make(chan struct{})
				engine.ignoreCtx = true
			})

			It("should return promptly and never overlap engine calls", func() {
				first, cancel := context.WithCancel(ctx)
				errs := make(chan error, 1)
				go func() {
					_, err := handle.Recognize(first, []byte("a"), "image/png", nil)
					errs <- err
				}()
				Eventually(engine.calls.Load).Should(Equal(int32(1)))

				cancel()
				var err error
				Eventually(errs).Should(Receive(&err))
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())

				second := make(chan error, 1)
				go func() {
					_, err := handle.Recognize(ctx, []byte("b"), "image/png", nil)
					second <- err
				}()
				Consistently(second, 50*time.Millisecond).ShouldNot(Receive())

				close(engine.unblock)
				Eventually(second).Should(Receive(BeNil()))
				Expect(engine.maxActive.Load()).To(Equal(int32(1)))
			})
		})

		When("a caller queues behind an engine that ignores its deadline", func() {
			BeforeEach(func() {
				opts.Timeout = 20 * time.Millisecond
				engine.unblock = make(chan struct{})
				engine.ignoreCtx = true
			})

			JustBeforeEach(func() {
				DeferCleanup(func() { close(engine.unblock) })
			})

			It("should time out the queued caller too", func() {
				_, err := handle.Recognize(ctx, []byte("a"), "image/png", nil)
				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())

				second := make(chan error, 1)
				go func() {
					_, err := handle.Recognize(context.Background(), []byte("b"), "image/png", nil)
					second <- err
				}()

				Eventually(second, time.Second).Should(Receive(&err))
				Expect(errors.Is(err, ErrRecognition)).To(BeTrue())
				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
				Expect(engine.calls.Load()).To(Equal(int32(1)))
			})
		})

		When("several callers arrive at once", func() {
			BeforeEach(func() {
				engine.delay = 10 * time.Millisecond
			})

			It("should serialize them", func() {
				var wg sync.WaitGroup
				for i := 0; i < 5; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
						Expect(err).NotTo(HaveOccurred())
					}()
				}
				wg.Wait()
				Expect(engine.calls.Load()).To(Equal(int32(5)))
				Expect(engine.maxActive.Load()).To(Equal(int32(1)))
			})
		})

		Describe("progress", func() {
			var (
				mu   sync.Mutex
				seen []int
			)

			record := func(p int) {
				mu.Lock()
				seen = append(seen, p)
				mu.Unlock()
			}

			BeforeEach(func() {
				seen = nil
			})

			It("should only ever move forward within 0..100", func() {
				engine.progress = []int{-5, 10, 5, 10, 40, 150, 50}
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", record)
				Expect(err).NotTo(HaveOccurred())
				Expect(seen).To(Equal([]int{0, 10, 40, 100}))
			})

			It("should report completion when the engine never did", func() {
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", record)
				Expect(err).NotTo(HaveOccurred())
				Expect(seen).To(Equal([]int{100}))
			})

			It("should tolerate a nil callback", func() {
				engine.progress = []int{50}
				_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("Release", func() {
		It("should be a no-op before first use", func() {
			Expect(handle.Release(ctx)).To(Succeed())
			Expect(engine.closed.Load()).To(BeFalse())
		})

		It("should close the engine and recreate it on the next call", func() {
			_, err := handle.Recognize(ctx, []byte("img"), "image/png", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(handle.Release(ctx)).To(Succeed())
			Expect(engine.closed.Load()).To(BeTrue())

			_, err = handle.Recognize(ctx, []byte("img"), "image/png", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Load()).To(Equal(int32(2)))
		})
	})
})

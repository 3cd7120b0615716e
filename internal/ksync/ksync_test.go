package ksync

import (
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-os/kestrel/internal/hal"
	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/sched"
)

func TestMain(m *testing.M) {
	if err := hal.Init(hal.Options{CPUs: 4, RAMBytes: 16 << 20}); err != nil {
		panic(err)
	}
	sched.Init()
	hal.SetIRQEntry(func(vector int) {
		if vector == hal.TimerIRQ {
			sched.Tick()
		}
	})
	os.Exit(m.Run())
}

func TestMutexBasic(t *testing.T) {
	m := NewMutex()
	val := 0
	m.Lock()
	val = 42
	m.Unlock()
	m.Lock()
	if val != 42 {
		t.Fatalf("val: %d", val)
	}
	m.Unlock()
}

func TestMutexTryLock(t *testing.T) {
	m := NewMutex()
	if !m.TryLock() {
		t.Fatal("first try_lock")
	}
	if m.TryLock() {
		t.Fatal("second try_lock must fail")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatal("try_lock after unlock")
	}
	m.Unlock()
}

func TestMutexConcurrent(t *testing.T) {
	const numTasks = 8
	const numIters = 200

	m := NewMutex()
	val := 0
	var tasks []*sched.Task
	inc := func(delta int) func() {
		return func() {
			for i := 0; i < numIters; i++ {
				m.Lock()
				val += delta
				m.Unlock()
				if i%16 == 0 {
					sched.YieldNow()
				}
			}
		}
	}
	for i := 0; i < numTasks; i++ {
		tasks = append(tasks, sched.Spawn("inc1", uint64(1<<(i%4)), inc(1)))
		tasks = append(tasks, sched.Spawn("inc2", uint64(1<<((i+1)%4)), inc(2)))
	}
	for _, task := range tasks {
		sched.Join(task)
	}
	if val != numIters*numTasks*3 {
		t.Fatalf("val: %d", val)
	}
}

func TestMutexStats(t *testing.T) {
	m := NewMutex()
	m.Lock()
	m.Unlock()
	m.Lock()
	m.Unlock()
	if s := m.Stats(); s.Locks != 2 {
		t.Fatalf("locks: %d", s.Locks)
	}
}

func TestMutexLockInterruptible(t *testing.T) {
	m := NewMutex()
	m.Lock()

	started := make(chan *sched.Task, 1)
	var err error
	task := sched.Spawn("waiter", 0, func() {
		started <- sched.Current()
		err = m.LockInterruptible()
	})
	victim := <-started
	time.Sleep(10 * time.Millisecond)
	victim.Interrupt()
	sched.Join(task)
	if !errors.Is(err, kerrno.ErrInterrupted) {
		t.Fatalf("err: %v", err)
	}
	m.Unlock()
}

func TestRwLockBasic(t *testing.T) {
	var rw RwLock
	val := 0

	rw.RLock()
	if val != 0 {
		t.Fatal("read")
	}
	rw.RUnlock()

	rw.Lock()
	val = 42
	rw.Unlock()

	rw.RLock()
	if val != 42 {
		t.Fatal("read after write")
	}
	rw.RUnlock()
}

func TestRwLockWriterExclusive(t *testing.T) {
	var rw RwLock
	rw.Lock()
	if rw.TryRLock() {
		t.Fatal("writer must block readers")
	}
	if rw.TryLock() {
		t.Fatal("writer must block writers")
	}
	rw.Unlock()
	if !rw.TryRLock() {
		t.Fatal("reader after writer release")
	}
	rw.RUnlock()
}

func TestRwLockTryLock(t *testing.T) {
	var rw RwLock
	if !rw.TryRLock() || !rw.TryRLock() {
		t.Fatal("two readers")
	}
	if rw.TryLock() {
		t.Fatal("writer with readers inside")
	}
	rw.RUnlock()
	rw.RUnlock()
	if !rw.TryLock() {
		t.Fatal("writer on idle lock")
	}
	if rw.TryRLock() {
		t.Fatal("reader with writer inside")
	}
	rw.Unlock()
}

// Eight readers hold the lock, a writer queues, a ninth reader fails
// try_read; when the readers drain, the writer runs, and its release wakes
// the reader again.
func TestRwLockReaderWriterPriority(t *testing.T) {
	var rw RwLock
	const readers = 8

	// Readers block on a drained semaphore while holding the lock, so
	// their CPUs stay free for the rest of the scenario.
	release := NewSemaphore(0)
	var holding atomic.Int32
	var readerTasks []*sched.Task
	for i := 0; i < readers; i++ {
		readerTasks = append(readerTasks, sched.Spawn("reader", uint64(1<<(i%4)), func() {
			rw.RLock()
			holding.Add(1)
			release.Acquire()
			rw.RUnlock()
		}))
	}
	for holding.Load() != readers {
		time.Sleep(time.Millisecond)
	}

	var writerAcquired atomic.Bool
	writer := sched.Spawn("writer", 0, func() {
		rw.Lock()
		writerAcquired.Store(true)
		rw.Unlock()
	})
	for rw.writersWaiting.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	if rw.TryRLock() {
		t.Fatal("try_read must fail while the lock is contended by readers+writer")
	}

	// The ninth reader blocks behind the queued writer until its release.
	late := sched.Spawn("late-reader", 0, func() {
		rw.RLock()
		rw.RUnlock()
	})

	for i := 0; i < readers; i++ {
		release.Release()
	}
	for _, r := range readerTasks {
		sched.Join(r)
	}
	sched.Join(writer)
	if !writerAcquired.Load() {
		t.Fatal("writer never acquired")
	}
	sched.Join(late)
}

func TestRwLockConcurrentReadsAndWrites(t *testing.T) {
	var rw RwLock
	val := 0
	var tasks []*sched.Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, sched.Spawn("writer", uint64(1<<(i%4)), func() {
			for j := 0; j < 100; j++ {
				rw.Lock()
				val++
				rw.Unlock()
				sched.YieldNow()
			}
		}))
	}
	for i := 0; i < 4; i++ {
		tasks = append(tasks, sched.Spawn("reader", uint64(1<<(i%4)), func() {
			for j := 0; j < 100; j++ {
				rw.RLock()
				_ = val
				rw.RUnlock()
				sched.YieldNow()
			}
		}))
	}
	for _, task := range tasks {
		sched.Join(task)
	}
	if val != 400 {
		t.Fatalf("val: %d", val)
	}
}

func TestSemaphoreBasic(t *testing.T) {
	sem := NewSemaphore(3)
	if sem.AvailablePermits() != 3 {
		t.Fatalf("permits: %d", sem.AvailablePermits())
	}
	g1 := sem.AcquireGuard()
	g2 := sem.AcquireGuard()
	g3 := sem.AcquireGuard()
	if sem.AvailablePermits() != 0 {
		t.Fatalf("permits after acquires: %d", sem.AvailablePermits())
	}
	if sem.TryAcquire() {
		t.Fatal("try_acquire on empty semaphore")
	}
	g1.Release()
	g1.Release() // double release of a guard is a no-op
	if sem.AvailablePermits() != 1 {
		t.Fatalf("permits: %d", sem.AvailablePermits())
	}
	g2.Release()
	g3.Release()
	if sem.AvailablePermits() != 3 {
		t.Fatalf("balance: %d", sem.AvailablePermits())
	}
}

func TestSemaphoreZeroBlocksUntilRelease(t *testing.T) {
	sem := NewSemaphore(0)
	var acquired atomic.Bool
	task := sched.Spawn("acq", 0, func() {
		sem.Acquire()
		acquired.Store(true)
	})
	time.Sleep(20 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("semaphore with zero permits must block")
	}
	sem.Release()
	sched.Join(task)
	if !acquired.Load() {
		t.Fatal("release did not wake the waiter")
	}
}

func TestSemaphorePermitAccounting(t *testing.T) {
	const initial = 4
	sem := NewSemaphore(initial)
	acquires := 0
	releases := 0

	for i := 0; i < 3; i++ {
		sem.Acquire()
		acquires++
	}
	sem.Release()
	releases++

	inUse := acquires - releases
	if sem.AvailablePermits()+inUse != initial {
		t.Fatalf("permit conservation: avail=%d in_use=%d", sem.AvailablePermits(), inUse)
	}
	for i := 0; i < inUse; i++ {
		sem.Release()
	}
}

func TestEventListenRecheckWait(t *testing.T) {
	var e Event
	l := e.Listen()
	e.Notify(1)
	// The notification arrived before the wait; Wait must not block.
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pre-notified listener blocked")
	}
}

func TestEventCancelPassesNotification(t *testing.T) {
	var e Event
	l1 := e.Listen()
	l2 := e.Listen()
	e.Notify(1) // claims l1
	l1.Cancel() // hands it to l2
	done := make(chan struct{})
	go func() {
		l2.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel lost the notification")
	}
}

package kernel

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/kerrno"
	"github.com/kestrel-os/kestrel/internal/ksignal"
	"github.com/kestrel-os/kestrel/internal/memaddr"
	"github.com/kestrel-os/kestrel/internal/memspace"
	"github.com/kestrel-os/kestrel/internal/sched"
)

// Process is a thread group: an address space plus its tasks. The full
// process model (credentials, fd tables, wait semantics) lives in the
// thread-group collaborator; the core tracks what the fault path and the
// syscall translators need.
type Process struct {
	PID  int
	PGID int

	Aspace *memspace.AddrSpace

	mu      sync.Mutex
	tasks   []*sched.Task
	signals *ksignal.PendingSignals
	exited  bool
	status  int
}

// Signals returns the process-directed pending-signal store.
func (p *Process) Signals() *ksignal.PendingSignals { return p.signals }

// Tasks returns a snapshot of the process's tasks.
func (p *Process) Tasks() []*sched.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sched.Task, len(p.tasks))
	copy(out, p.tasks)
	return out
}

var (
	procMu    sync.Mutex
	procTable = map[int]*Process{}
	nextPID   = 1
	byTask    = map[uint64]*Process{}
)

// UserBase is where user mappings start.
const UserBase memaddr.VirtAddr = 0x0000_1000_0000

// UserSize is the extent of a user address space.
const UserSize uintptr = 0x7f_0000_0000

// CreateProcess builds a process with an empty address space and one main
// task running fn. The task's affinity spans every CPU.
func CreateProcess(name string, fn func()) (*Process, error) {
	aspace, err := memspace.NewEmpty(UserBase, UserSize)
	if err != nil {
		return nil, err
	}
	procMu.Lock()
	pid := nextPID
	nextPID++
	p := &Process{PID: pid, PGID: pid, Aspace: aspace, signals: ksignal.NewPendingSignals()}
	procTable[pid] = p
	procMu.Unlock()

	// The task must not observe a half-registered process; it holds at
	// the gate until the table entries are in place.
	ready := make(chan struct{})
	main := sched.Spawn(name, 0, func() {
		<-ready
		defer finishProcess(p)
		fn()
	})
	p.mu.Lock()
	p.tasks = append(p.tasks, main)
	p.mu.Unlock()

	procMu.Lock()
	byTask[main.ID()] = p
	procMu.Unlock()
	close(ready)
	return p, nil
}

func finishProcess(p *Process) {
	p.mu.Lock()
	already := p.exited
	p.exited = true
	p.mu.Unlock()
	if already {
		return
	}
	p.Aspace.UnmapAll()
}

// CurrentProcess returns the process owning the calling task, nil outside
// any process.
func CurrentProcess() *Process {
	t := sched.Current()
	if t == nil {
		return nil
	}
	procMu.Lock()
	defer procMu.Unlock()
	return byTask[t.ID()]
}

// GetProcessData returns the process with the given pid.
func GetProcessData(pid int) (*Process, error) {
	procMu.Lock()
	defer procMu.Unlock()
	p, ok := procTable[pid]
	if !ok {
		return nil, fmt.Errorf("kernel: pid %d: %w", pid, kerrno.ErrInvalidInput)
	}
	return p, nil
}

// GetProcessGroup returns every process in the given group.
func GetProcessGroup(pgid int) []*Process {
	procMu.Lock()
	defer procMu.Unlock()
	var out []*Process
	for _, p := range procTable {
		if p.PGID == pgid {
			out = append(out, p)
		}
	}
	return out
}

// Processes returns a snapshot of every process.
func Processes() []*Process {
	procMu.Lock()
	defer procMu.Unlock()
	out := make([]*Process, 0, len(procTable))
	for _, p := range procTable {
		out = append(out, p)
	}
	return out
}

// SetProcessGroup moves pid into pgid. Only the process itself or the
// leader of its current group (caller == PGID) may move it; any other
// caller gets ErrOperationNotPermitted.
func SetProcessGroup(caller, pid, pgid int) error {
	procMu.Lock()
	defer procMu.Unlock()
	p, ok := procTable[pid]
	if !ok {
		return fmt.Errorf("kernel: pid %d: %w", pid, kerrno.ErrInvalidInput)
	}
	if caller != pid && caller != p.PGID {
		return fmt.Errorf("kernel: setpgid of foreign process %d: %w", pid, kerrno.ErrOperationNotPermitted)
	}
	p.PGID = pgid
	return nil
}

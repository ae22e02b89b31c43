package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd,
		&unix.EpollEvent{
			Fd:     int32(evfd),
			Events: unix.EPOLLIN,
		},
	)
	if err != nil {
		_ = unix.Close(evfd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &poller{epfd: epfd, evfd: evfd, events: make([]unix.EpollEvent, 1)}, nil
}

// poller pairs an epoll instance with an eventfd used for cross-thread
// wakeups. notify may be called from any thread, wait only from the thread
// driving the loop.
type poller struct {
	epfd int // epoll fd
	evfd int // eventfd registered for read

	buf    [8]byte
	events []unix.EpollEvent
}

// notify makes the current (or next) wait return promptly.
func (p *poller) notify() {
	var one uint64 = 1
	// uint64 in the machine native order
	buf := (*[8]byte)(unsafe.Pointer(&one))
	for {
		_, err := unix.Write(p.evfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is saturated, the pending wakeup is
		// already visible to the reader.
		if err != nil && err != unix.EAGAIN {
			panic(err)
		}
		return
	}
}

// wait blocks for up to timeout milliseconds (-1 blocks until an event, 0
// returns immediately) and reports whether the notifier fired. The eventfd
// counter is drained before returning.
func (p *poller) wait(timeout int) (bool, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		fired := false
		for i := 0; i < n; i++ {
			if int(p.events[i].Fd) == p.evfd {
				p.drain()
				fired = true
			}
		}
		return fired, nil
	}
}

func (p *poller) drain() {
	for {
		// a single read returns the whole counter and resets it
		_, err := unix.Read(p.evfd, p.buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (p *poller) close() error {
	if err := unix.Close(p.evfd); err != nil {
		return err
	}
	return unix.Close(p.epfd)
}

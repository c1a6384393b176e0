//go:build linux

// Package selector implements the selector thread: one goroutine per
// thread, each owning exactly one epoll instance and a fixed (at
// construction time) but otherwise unpartitioned set of registered
// connections.
//
// Single-writer discipline: only the goroutine running Thread.Run ever
// calls epoll_ctl or reads/writes a key's interest-ops on this epoll
// instance. Every other goroutine requests a change by enqueuing onto
// acceptedQueue or updateOpsQueue and calling wakeup — offer happens
// before wakeup, so the thread is guaranteed to observe the item on its
// next drain.
package selector

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller wraps one epoll_create1 instance plus the eventfd used to
// interrupt a blocked epoll_wait from another goroutine. Go's net
// package cannot be used alongside this: a raw fd registered here must
// never also be owned by the runtime netpoller.
type epollPoller struct {
	epfd     int
	wakeupFD int
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("selector: epoll_create1: %w", err)
	}

	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("selector: eventfd: %w", err)
	}

	p := &epollPoller{epfd: epfd, wakeupFD: wakeupFD}
	if err := p.add(wakeupFD, unix.EPOLLIN); err != nil {
		unix.Close(epfd)
		unix.Close(wakeupFD)
		return nil, err
	}
	return p, nil
}

func (p *epollPoller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("selector: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("selector: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("selector: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// wait blocks until at least one fd is ready or timeoutMs elapses (-1
// blocks indefinitely). EINTR is retried transparently.
func (p *epollPoller) wait(events []unix.EpollEvent, timeoutMs int) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("selector: epoll_wait: %w", err)
		}
		return events[:n], nil
	}
}

// wakeup interrupts a blocked epoll_wait on another goroutine by writing
// to the eventfd. Safe to call from any goroutine, any number of times.
func (p *epollPoller) wakeup() {
	var buf [8]byte
	buf[7] = 1
	for {
		_, err := unix.Write(p.wakeupFD, buf[:])
		if err == unix.EAGAIN {
			// Counter already non-zero; the waiter will observe it.
			return
		}
		return
	}
}

// drainWakeup consumes the eventfd counter after a wakeup-triggered
// return from wait, so the next genuinely idle wait blocks again.
func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeupFD, buf[:])
		if err == unix.EAGAIN || err == nil {
			return
		}
		return
	}
}

func (p *epollPoller) close() {
	unix.Close(p.wakeupFD)
	unix.Close(p.epfd)
}

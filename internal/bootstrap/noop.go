package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// NewNoop returns a Listener that starts the process without tableflip,
// for environments where graceful upgrades are not wanted.
func NewNoop() *Noop {
	return &Noop{shutdown: make(chan struct{})}
}

// Noop implements the Listener interface with no upgrade support.
type Noop struct {
	starters []Starter
	shutdown chan struct{}
	errChan  chan error
}

// RegisterStarter adds a new starter
func (n *Noop) RegisterStarter(starter Starter) {
	n.starters = append(n.starters, starter)
}

// Start starts all registered starters to accept connections
func (n *Noop) Start() error {
	n.errChan = make(chan error, len(n.starters))

	for _, start := range n.starters {
		errCh := make(chan error)

		if err := start(net.Listen, errCh); err != nil {
			return err
		}

		go func(errCh chan error) {
			n.errChan <- <-errCh
		}(errCh)
	}

	return nil
}

// Wait blocks until a stop stimulus: Terminate, a termination signal or a
// listener error.
func (n *Noop) Wait(_ time.Duration, stopAction func()) error {
	signals := []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	immediateShutdown := make(chan os.Signal, len(signals))
	signal.Notify(immediateShutdown, signals...)
	defer signal.Stop(immediateShutdown)

	var err error
	select {
	case <-n.shutdown:
		if stopAction != nil {
			stopAction()
		}
	case s := <-immediateShutdown:
		err = fmt.Errorf("received signal %q", s)
	case err = <-n.errChan:
	}

	return err
}

// Terminate unblocks Wait and executes the registered stop action.
func (n *Noop) Terminate() {
	close(n.shutdown)
}

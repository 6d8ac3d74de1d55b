package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	interruptChannel       = make(chan os.Signal, 1)
	addHandlerChannel      = make(chan func())
	shutdownRequestChannel = make(chan struct{})
	interruptHandlersDone  = make(chan struct{})

	interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

	startInterruptOnce sync.Once
	requestShutdownOne sync.Once
)

// mainInterruptHandler runs the registered handlers in reverse order on the
// first interrupt or shutdown request, then closes interruptHandlersDone.
func mainInterruptHandler() {
	var handlers []func()
	invoke := func() {
		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
		close(interruptHandlersDone)
	}

	for {
		select {
		case <-interruptChannel:
			signal.Stop(interruptChannel)
			invoke()
			return
		case <-shutdownRequestChannel:
			invoke()
			return
		case handler := <-addHandlerChannel:
			handlers = append(handlers, handler)
		}
	}
}

func addInterruptHandler(handler func()) {
	startInterruptOnce.Do(func() {
		signal.Notify(interruptChannel, interruptSignals...)
		go mainInterruptHandler()
	})
	addHandlerChannel <- handler
}

// requestShutdown triggers the handlers as if an interrupt was received.
func requestShutdown() {
	requestShutdownOne.Do(func() {
		close(shutdownRequestChannel)
	})
}

package kerrdaq

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest kerrdaq state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// clientMessageChan carries updates from the RPC server to RunClientUpdater.
var clientMessageChan = make(chan ClientUpdate, 20)

// publish queues an update. Updates are dropped, not waited on, when no
// updater is draining the queue.
func publish(tag string, state any) {
	select {
	case clientMessageChan <- ClientUpdate{tag, state}:
	default:
	}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know.
func RunClientUpdater(portstatus int, abort <-chan struct{}) error {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return err
	}
	defer ctx.Term()
	pubSocket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status publisher to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "STATUS" && update.tag != "LASTFRAME" {
				UpdateLogger.Printf("SEND %v %v", update.tag, string(message))
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
			}
		}
	}
}

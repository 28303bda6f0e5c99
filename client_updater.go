package tremord

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest tremord state on the status port.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// statusTickInterval is how often the updater republishes the full
// state so late-joining subscribers catch up without asking.
const statusTickInterval = 2 * time.Second

var clientMessageChan = make(chan ClientUpdate, 32)

// queueClientUpdate submits a status message without ever blocking the
// caller. If no updater is draining the channel, the message is dropped;
// the periodic full-status tick will cover for it.
func queueClientUpdate(tag string, state interface{}) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
	}
}

// RunClientUpdater publishes queued updates on a ZMQ PUB socket, plus a
// full status snapshot every statusTickInterval. This is a long-running
// goroutine; it returns when abort is closed.
func RunClientUpdater(sourceControl *SourceControl, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		return err
	}

	ticker := time.NewTicker(statusTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return nil
		case update := <-clientMessageChan:
			publishUpdate(pubSocket, update)
		case <-ticker.C:
			if sourceControl == nil {
				continue
			}
			for _, update := range sourceControl.fullStatus() {
				publishUpdate(pubSocket, update)
			}
		}
	}
}

// publishUpdate sends the two-frame convention: a short tag frame that
// subscribers filter on, then the JSON body.
func publishUpdate(pubSocket *zmq.Socket, update ClientUpdate) {
	body, err := json.Marshal(update.state)
	if err != nil {
		ProblemLogger.Printf("cannot encode %s status update: %v", update.tag, err)
		return
	}
	if _, err = pubSocket.SendBytes([]byte(update.tag), zmq.SNDMORE|zmq.DONTWAIT); err != nil {
		return
	}
	pubSocket.SendBytes(body, zmq.DONTWAIT)
}

package tremord

// The ZMQ publishers that carry sample data out of the daemon: batched
// history frames for 2-D graphs, and single latest-value updates for the
// 3-D node view. Both are the downstream side of the Dispatcher.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// GraphPublisher sends batched history frames on a PUB socket. It is
// not safe for concurrent use; the dispatcher calls it from the one
// ingestion goroutine only.
type GraphPublisher struct {
	socket *zmq.Socket
}

// NewGraphPublisher binds the graph stream's PUB socket.
func NewGraphPublisher(port int) (*GraphPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err = socket.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		socket.Close()
		return nil, err
	}
	return &GraphPublisher{socket: socket}, nil
}

// PublishBatch sends one JSON-encoded batch. DONTWAIT means a slow or
// absent subscriber sheds frames instead of stalling ingestion.
func (gp *GraphPublisher) PublishBatch(b *BatchDelivery) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = gp.socket.SendBytes(body, zmq.DONTWAIT)
	return err
}

// Close releases the socket.
func (gp *GraphPublisher) Close() error {
	return gp.socket.Close()
}

// AnimPublisher sends latest-value node updates on a PUB socket. Same
// single-goroutine constraint as GraphPublisher.
type AnimPublisher struct {
	socket *zmq.Socket
}

// NewAnimPublisher binds the animation stream's PUB socket.
func NewAnimPublisher(port int) (*AnimPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err = socket.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		socket.Close()
		return nil, err
	}
	return &AnimPublisher{socket: socket}, nil
}

// PublishLatest sends one JSON-encoded latest-value update.
func (ap *AnimPublisher) PublishLatest(l *LatestDelivery) error {
	body, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = ap.socket.SendBytes(body, zmq.DONTWAIT)
	return err
}

// Close releases the socket.
func (ap *AnimPublisher) Close() error {
	return ap.socket.Close()
}

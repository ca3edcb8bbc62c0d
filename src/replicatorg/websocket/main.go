// Package websocket exposes the driver to local clients: JSON commands
// for connection control and status, and a binary stream of the frames
// written to the machine for monitoring.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WEBSOCKET PROTOCOL

// Command sent by a client
type Command struct {
	*GetStatus

	*Connect
	*Disconnect

	*Reset
}

func prettyPrintCommand(command Command) string {
	if command.GetStatus != nil {
		return "GetStatus"
	} else if command.Connect != nil {
		return "Connect"
	} else if command.Disconnect != nil {
		return "Disconnect"
	} else if command.Reset != nil {
		return "Reset"
	}
	return "Unknown"
}

// GetStatus command
type GetStatus struct{}

// Connect command
type Connect struct {
	Port string `json:"port"`
}

// Disconnect command
type Disconnect struct{}

// Reset command: drop the serial connection and run the handshake again
type Reset struct{}

// UnmarshalJSON implements encoding/json Unmarshaler interface
func (command *Command) UnmarshalJSON(data []byte) error {

	// Helper struct to get type
	temp := struct {
		Type string `json:"type"`
	}{}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	if temp.Type == "GetStatus" {
		command.GetStatus = &GetStatus{}

	} else if temp.Type == "Connect" {
		err := json.Unmarshal(data, &command.Connect)
		if err != nil {
			return err
		}

	} else if temp.Type == "Disconnect" {
		command.Disconnect = &Disconnect{}

	} else if temp.Type == "Reset" {
		command.Reset = &Reset{}

	} else {
		return errors.New("can not decode unknown command")
	}

	return nil
}

// Message sent to a client in response to a Command
type Message struct {
	*Status
}

// Status is a message containing machine status information
type Status struct {
	State           string  `json:"state"`
	Port            *string `json:"port"`
	FirmwareVersion *string `json:"firmwareVersion"`
	HostId          string  `json:"hostId"`
}

// MarshalJSON implements JSON encoder for messages
func (message *Message) MarshalJSON() ([]byte, error) {
	if message.Status != nil {
		return json.Marshal(&struct {
			Type            string  `json:"type"`
			State           string  `json:"state"`
			Port            *string `json:"port"`
			FirmwareVersion *string `json:"firmwareVersion"`
			HostId          string  `json:"hostId"`
		}{
			Type:            "Status",
			State:           message.Status.State,
			Port:            message.Status.Port,
			FirmwareVersion: message.Status.FirmwareVersion,
			HostId:          message.Status.HostId,
		})
	}

	return nil, errors.New("could not marshal message")
}

// Backend is the driver surface the endpoint talks to.
type Backend interface {
	Status() Status
	Connect(port string)
	Disconnect()
	Reset()
}

// Handle serves the driver endpoint.
type Handle struct {
	Broker        *pubsub.PubSub
	BrokerMonitor string

	Log *logrus.Entry

	Backend Backend
}

func (handle *Handle) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	// Set up logger
	var log = handle.Log.WithFields(logrus.Fields{
		"clientAddress": r.RemoteAddr,
		"userAgent":     r.UserAgent(),
	})

	// Update to WebSocket
	conn, err := webSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("Could not upgrade connection to WebSocket.")
		http.Error(w, "WebSocket upgrade error", http.StatusBadRequest)
		return
	}

	log.Info("WebSocket connection opened")

	// Create a mutex for writing to WebSocket (connection supports only one concurrent reader and one concurrent writer (https://godoc.org/github.com/gorilla/websocket#hdr-Concurrency))
	writeMutex := sync.Mutex{}

	// Create a context for this WebSocket connection
	ctx, cancel := context.WithCancel(context.Background())

	// Send binary data up the WebSocket
	sendBinary := func(data []byte) error {
		writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		err := conn.WriteMessage(websocket.BinaryMessage, data)
		writeMutex.Unlock()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Error("WebSocket error")
			}
			return err
		}
		return nil
	}

	// send message up the WebSocket
	sendMessage := func(message Message) error {
		writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		err := conn.WriteJSON(&message)
		writeMutex.Unlock()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Error("WebSocket error")
			}
			return err
		}
		return nil
	}

	// Channel with frames written to the machine
	monitor := handle.Broker.Sub(handle.BrokerMonitor)

	// forward wire traffic to the client
	go monitorLoop(ctx, monitor, sendBinary)

	// Helper function to close the connection
	close := func() {
		// Unsubscribe from broker
		handle.Broker.Unsub(monitor)

		// Cancel the context
		cancel()

		// Close websocket connection
		conn.Close()

		log.Info("WebSocket connection closed")
	}

	// Main loop for the WebSocket connection
	go func() {
		defer close()
		for {

			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Error("WebSocket error")
				}
				return
			}

			if messageType != websocket.TextMessage {
				continue
			}

			var command Command
			decodeErr := json.Unmarshal(msg, &command)
			if decodeErr != nil {
				log.WithField("rawCommand", msg).WithError(decodeErr).Warning("Can not decode command.")
				continue
			}
			log.WithField("command", prettyPrintCommand(command)).Debug("Received command.")

			err = handle.dispatchCommand(command, sendMessage)
			if err != nil {
				return
			}

		}
	}()

}

// HELPERS

// dispatchCommand handles incoming commands and sends responses back up the WebSocket
func (handle *Handle) dispatchCommand(command Command, sendMessage func(Message) error) error {

	if command.GetStatus != nil {
		var message Message
		status := handle.Backend.Status()
		message.Status = &status

		err := sendMessage(message)
		if err != nil {
			return err
		}

	} else if command.Connect != nil {
		handle.Backend.Connect(command.Connect.Port)
		return nil

	} else if command.Disconnect != nil {
		handle.Backend.Disconnect()
		return nil

	} else if command.Reset != nil {
		handle.Backend.Reset()
		return nil
	}
	return nil
}

// monitorLoop forwards frames written to the machine up the WebSocket
func monitorLoop(ctx context.Context, monitor chan interface{}, send func([]byte) error) {
	var err error
	for {
		select {
		case <-ctx.Done():
			return

		case i := <-monitor:
			data, ok := i.([]byte)
			if ok {
				err = send(data)
			}
		}

		if err != nil {
			return
		}
	}
}

// Helper to upgrade http to WebSocket
var webSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Any origin is accepted; the default listen address is on the
		// loopback interface.
		return true
	},
}

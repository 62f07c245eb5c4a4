package ipc

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/Maphikza/datafi-verifier.git/internal/events"
)

// CommandSubscribe keeps the connection open and streams bus events to it
// instead of returning a single response.
const CommandSubscribe = "subscribe"

type Command struct {
	ID      int64    `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Response struct {
	ID     int64       `json:"id"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// Message is one line written to a subscriber.
type Message struct {
	Event events.Event `json:"event"`
}

// Handler executes one command. The returned value is sent back as the
// response result.
type Handler func(cmd Command) (interface{}, error)

type Server struct {
	listener    net.Listener
	path        string
	commands    chan Command
	mutex       sync.Mutex
	connections map[int64]*conn // Maps command ID to the client connection
	subscribers map[*conn]bool
	done        chan struct{}
}

// conn serializes writes to one client.
type conn struct {
	net.Conn
	mutex sync.Mutex
	enc   *json.Encoder
}

type Client struct {
	conn net.Conn
	dec  *json.Decoder
}

// Package ipc is the local command channel between the CLI and the running
// daemon: newline-delimited JSON over a unix socket, or TCP on Windows.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

const windowsSocketPort = "127.0.0.1:7074"

var commandID atomic.Int64
var osType = runtime.GOOS

func generateCommandID() int64 {
	return commandID.Add(1)
}

func listen(socketPath string) (net.Listener, error) {
	if osType == "windows" {
		return net.Listen("tcp", windowsSocketPort)
	}
	// A stale socket file is left behind when the daemon is killed.
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket file: %w", err)
		}
	}
	return net.Listen("unix", socketPath)
}

func dial(socketPath string) (net.Conn, error) {
	if osType == "windows" {
		return net.Dial("tcp", windowsSocketPort)
	}
	return net.Dial("unix", socketPath)
}

func NewServer(socketPath string) (*Server, error) {
	listener, err := listen(socketPath)
	if err != nil {
		return nil, err
	}

	server := &Server{
		listener:    listener,
		path:        socketPath,
		commands:    make(chan Command),
		connections: make(map[int64]*conn),
		subscribers: make(map[*conn]bool),
		done:        make(chan struct{}),
	}

	go server.accept()

	return server, nil
}

func (s *Server) accept() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Failed to accept socket connection", "error", err)
			continue
		}
		go s.handleConnection(&conn{Conn: c, enc: json.NewEncoder(c)})
	}
}

func (s *Server) handleConnection(c *conn) {
	defer func() {
		s.RemoveSubscriber(c)
		c.Close()
	}()

	dec := json.NewDecoder(c)
	for {
		var cmd Command
		if err := dec.Decode(&cmd); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Failed to read command", "error", err)
			}
			return
		}
		if cmd.ID <= 0 {
			continue
		}

		if cmd.Command == CommandSubscribe {
			s.AddSubscriber(c)
			c.write(Response{ID: cmd.ID, Result: "subscribed"})
			continue
		}

		s.mutex.Lock()
		s.connections[cmd.ID] = c
		s.mutex.Unlock()

		select {
		case s.commands <- cmd:
		case <-s.done:
			return
		}
	}
}

func (c *conn) write(v interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.enc.Encode(v)
}

func (s *Server) Commands() <-chan Command {
	return s.commands
}

// Serve runs handler for every command until ctx is done.
func (s *Server) Serve(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			go func(cmd Command) {
				result, err := handler(cmd)
				resp := Response{ID: cmd.ID, Result: result}
				if err != nil {
					resp.Error = err.Error()
					resp.Result = nil
				}
				s.SendResponse(cmd.ID, resp)
			}(cmd)
		}
	}
}

// SendResponse answers command id and closes its connection.
func (s *Server) SendResponse(id int64, response Response) {
	s.mutex.Lock()
	c, exists := s.connections[id]
	delete(s.connections, id)
	s.mutex.Unlock()

	if !exists {
		logger.Warn("Connection for command not found", "id", id)
		return
	}
	if err := c.write(response); err != nil {
		logger.Warn("Failed to write response", "id", id, "error", err)
	}
	c.Close()
}

// Broadcast sends e to every subscriber, dropping those that fail.
func (s *Server) Broadcast(e events.Event) {
	s.mutex.Lock()
	subs := make([]*conn, 0, len(s.subscribers))
	for c := range s.subscribers {
		subs = append(subs, c)
	}
	s.mutex.Unlock()

	for _, c := range subs {
		if err := c.write(Message{Event: e}); err != nil {
			logger.Debug("Dropping subscriber", "error", err)
			s.RemoveSubscriber(c)
			c.Close()
		}
	}
}

// Forward broadcasts everything published on bus until ctx is done.
func (s *Server) Forward(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.Broadcast(e)
		}
	}
}

func (s *Server) AddSubscriber(c *conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.subscribers[c] = true
}

func (s *Server) RemoveSubscriber(c *conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.subscribers, c)
}

func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	if osType != "windows" {
		os.Remove(s.path)
	}
	return err
}

func NewClient(socketPath string) (*Client, error) {
	c, err := dial(socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c, dec: json.NewDecoder(c)}, nil
}

// SendCommand sends one command and decodes the result into out, which may
// be nil.
func (c *Client) SendCommand(command string, args []string, out interface{}) error {
	cmd := Command{
		ID:      generateCommandID(),
		Command: command,
		Args:    args,
	}
	if err := json.NewEncoder(c.conn).Encode(cmd); err != nil {
		return fmt.Errorf("error writing command to connection: %w", err)
	}

	var response struct {
		ID     int64           `json:"id"`
		Error  string          `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := c.dec.Decode(&response); err != nil {
		return fmt.Errorf("error reading response from connection: %w", err)
	}
	if response.Error != "" {
		return errors.New(response.Error)
	}
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

// Subscribe streams daemon events to fn until ctx is done or the daemon goes
// away.
func (c *Client) Subscribe(ctx context.Context, fn func(events.Event)) error {
	if err := c.SendCommand(CommandSubscribe, nil, nil); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		fn(msg.Event)
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

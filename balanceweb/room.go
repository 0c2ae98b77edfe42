/*
Package balanceweb serves live controller telemetry over a websocket, a JSON
endpoint and MQTT.

Client-Server room adapted from Mat Ryer's Go Blueprints
see https://github.com/matryer/goblueprints
*/
package balanceweb

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Room broadcasts every message it is given to all connected websocket
// clients.
type Room struct {
	// forward holds messages to send to every client.
	forward chan []byte
	// join is a channel for clients wishing to join the room.
	join chan *client
	// leave is a channel for clients wishing to leave the room.
	leave chan *client
	// clients holds all current clients in this room.
	clients map[*client]bool
	n       atomic.Int32
	done    chan struct{}
}

// NewRoom makes a new room.  Call Run to get it going.
func NewRoom() *Room {
	return &Room{
		forward: make(chan []byte),
		join:    make(chan *client),
		leave:   make(chan *client),
		clients: make(map[*client]bool),
		done:    make(chan struct{}),
	}
}

// Run serves the room until ctx is done, then disconnects every client.
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				delete(r.clients, c)
				close(c.send)
			}
			r.n.Store(0)
			return
		case c := <-r.join:
			r.clients[c] = true
			r.n.Store(int32(len(r.clients)))
			log.Debug().Str("remote", c.socket.RemoteAddr().String()).Msg("BalanceWeb: client joined")
		case c := <-r.leave:
			if r.clients[c] {
				delete(r.clients, c)
				close(c.send)
			}
			r.n.Store(int32(len(r.clients)))
			log.Debug().Msg("BalanceWeb: client left")
		case msg := <-r.forward:
			for c := range r.clients {
				select {
				case c.send <- msg:
				default:
					log.Debug().Msg("BalanceWeb: client is slow, dropping frame")
				}
			}
		}
	}
}

// Broadcast queues msg for every client.  It returns false once the room has
// stopped.
func (r *Room) Broadcast(msg []byte) bool {
	select {
	case r.forward <- msg:
		return true
	case <-r.done:
		return false
	}
}

// Clients returns the number of connected clients.
func (r *Room) Clients() int {
	return int(r.n.Load())
}

const (
	socketBufferSize  = 1024
	messageBufferSize = 10
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

func (r *Room) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("BalanceWeb: websocket upgrade failed")
		return
	}
	c := &client{
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
		room:   r,
	}
	select {
	case r.join <- c:
	case <-r.done:
		socket.Close()
		return
	}
	defer func() {
		select {
		case r.leave <- c:
		case <-r.done:
		}
	}()
	go c.write()
	c.read()
}

package main

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

const (
	roomIDLength  = 6
	roomIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	seatCount = 2

	// noWinner is the sentinel for Room.winner between wins.
	noWinner = -1
)

// Conn is the slice of a client connection the coordinator needs:
// queue an outbound message without blocking, and tear the peer down.
// The transport layer owns the real connection lifecycle.
type Conn interface {
	// Send queues v for delivery, reporting whether it was accepted.
	// A false return means the peer is gone or hopelessly behind;
	// callers ignore it and rely on the close path for cleanup.
	Send(v any) bool
	Close() error
}

// Player is one seated participant in a room. Entries live only as long
// as the room does.
type Player struct {
	conn     Conn
	id       string // stable token for operator logs, never sent on the wire
	name     string
	ready    bool
	progress int
	moves    int
}

// Room pairs up to two players for one or more games. Seats are fixed:
// the index communicated to a client at join time never changes, even
// if the opposite seat empties and is later refilled.
type Room struct {
	id         string
	seed       int64
	seats      [seatCount]*Player
	started    bool
	startTime  time.Time
	winner     int
	lastActive time.Time
}

func (r *Room) playerCount() int {
	count := 0
	for _, p := range r.seats {
		if p != nil {
			count++
		}
	}
	return count
}

func (r *Room) freeSeat() int {
	for i, p := range r.seats {
		if p == nil {
			return i
		}
	}
	return -1
}

// opponent returns the player seated opposite seat, or nil.
func (r *Room) opponent(seat int) *Player {
	for i, p := range r.seats {
		if i != seat && p != nil {
			return p
		}
	}
	return nil
}

func (r *Room) allReady() bool {
	for _, p := range r.seats {
		if p == nil || !p.ready {
			return false
		}
	}
	return true
}

// reset returns the room to its pre-start state with a fresh seed,
// keeping both players seated.
func (r *Room) reset(seed int64) {
	r.seed = seed
	r.started = false
	r.winner = noWinner
	for _, p := range r.seats {
		if p == nil {
			continue
		}
		p.ready = false
		p.progress = 0
		p.moves = 0
	}
}

func (r *Room) broadcast(v any) {
	for _, p := range r.seats {
		if p != nil {
			p.conn.Send(v)
		}
	}
}

// RoomStore maps live room IDs to rooms. It carries no lock of its own:
// the coordinator serializes every access (see Coordinator.mu).
type RoomStore struct {
	rooms map[string]*Room
}

func newRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*Room),
	}
}

func (s *RoomStore) create(id string, seed int64) *Room {
	now := time.Now()
	room := &Room{
		id:         id,
		seed:       seed,
		winner:     noWinner,
		lastActive: now,
	}
	s.rooms[id] = room
	return room
}

func (s *RoomStore) get(id string) (*Room, bool) {
	room, ok := s.rooms[id]
	return room, ok
}

func (s *RoomStore) delete(id string) {
	delete(s.rooms, id)
}

// newRoomID generates a crypto-random 6-character room code. Collision
// checking against live rooms is the caller's job.
func newRoomID() string {
	buf := make([]byte, roomIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, roomIDLength)
	for i := range out {
		out[i] = roomIDLetters[int(buf[i])%len(roomIDLetters)]
	}
	return string(out)
}

// newSeed returns a uniform integer in [0, 2^31), the shared input to
// both clients' deterministic shuffle.
func newSeed() int64 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return int64(binary.BigEndian.Uint32(b[:]) & 0x7fffffff)
}

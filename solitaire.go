// Solirace Duel
//
// Pairs two remote players into a room and relays progress between them
// while each races through the same seeded solitaire deal.
//
// Features:
// - Lobby and game client served from embedded assets at /duel
// - One websocket per client at /ws; rooms are chosen by message, not URL
// - Human-shareable 6-character room codes, case-insensitive on join
// - Shared deterministic shuffle seed, re-rolled on every rematch
// - Live opponent progress (foundation count and move count)
// - First reported win ends the game for both players
// - In-browser QR button to share a room's join link, backed by go-qrcode
// - Idle rooms reaped after a configurable timeout

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string `json:"type"`                 // "create_room", "join_room", "ready", "progress", "win", "new_game"
	Name       string `json:"name,omitempty"`       // create_room / join_room
	RoomID     string `json:"roomId,omitempty"`     // join_room
	Foundation int    `json:"foundation,omitempty"` // progress
	Moves      int    `json:"moves,omitempty"`      // progress / win
}

// RoomCreatedMessage confirms room creation to the creator.
type RoomCreatedMessage struct {
	Type        string `json:"type"` // "room_created"
	RoomID      string `json:"roomId"`
	Seed        int64  `json:"seed"`
	PlayerIndex int    `json:"playerIndex"`
}

// RoomJoinedMessage confirms a successful join to the joiner.
type RoomJoinedMessage struct {
	Type         string `json:"type"` // "room_joined"
	RoomID       string `json:"roomId"`
	Seed         int64  `json:"seed"`
	PlayerIndex  int    `json:"playerIndex"`
	OpponentName string `json:"opponentName"`
}

// OpponentJoinedMessage tells the sitting player someone arrived.
type OpponentJoinedMessage struct {
	Type         string `json:"type"` // "opponent_joined"
	OpponentName string `json:"opponentName"`
}

type OpponentReadyMessage struct {
	Type string `json:"type"` // "opponent_ready"
}

type GameStartMessage struct {
	Type string `json:"type"` // "game_start"
}

// OpponentProgressMessage relays the opponent's raw counters, unvalidated.
type OpponentProgressMessage struct {
	Type       string `json:"type"` // "opponent_progress"
	Foundation int    `json:"foundation"`
	Moves      int    `json:"moves"`
}

// GameOverMessage goes to both players, the winner included.
type GameOverMessage struct {
	Type       string `json:"type"` // "game_over"
	Winner     int    `json:"winner"`
	WinnerName string `json:"winnerName"`
	Time       string `json:"time"` // elapsed seconds, one decimal
	Moves      int    `json:"moves"`
}

// NewGameMessage carries the fresh seed for a rematch re-deal.
type NewGameMessage struct {
	Type string `json:"type"` // "new_game"
	Seed int64  `json:"seed"`
}

type OpponentDisconnectedMessage struct {
	Type string `json:"type"` // "opponent_disconnected"
}

// ErrorMessage is the only user-visible failure channel.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// session is the coordinator's view of one connection: the transport
// handle plus the attributes pinned at create/join time. A session that
// never created or joined a room has roomID "" and every room-scoped
// event is a no-op for it.
type session struct {
	conn   Conn
	roomID string
	seat   int
	name   string
}

func newSession(conn Conn) *session {
	return &session{
		conn: conn,
		seat: -1,
	}
}

// Coordinator is the room state machine. Every event handler takes the
// single mutex for the duration of the room mutation plus its outbound
// sends, so each event is one atomic critical section. Sends never
// block (see Conn), so holding the lock across them is cheap.
type Coordinator struct {
	cfg   *Config
	mu    sync.Mutex
	store *RoomStore
}

func newCoordinator(cfg *Config, store *RoomStore) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		store: store,
	}
}

// lookup resolves a session to its room and seat. Either return may be
// nil: the room can vanish (reaper, last disconnect) while the session
// lives on. Callers hold co.mu.
func (co *Coordinator) lookup(s *session) (*Room, *Player) {
	if s.roomID == "" {
		return nil, nil
	}
	room, ok := co.store.get(s.roomID)
	if !ok {
		return nil, nil
	}
	return room, room.seats[s.seat]
}

func (co *Coordinator) createRoom(s *session, name string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if s.roomID != "" {
		logf(co.cfg, "ROOMS: Ignoring create_room from a session already in %s", s.roomID)
		return
	}

	id := newRoomID()
	for {
		if _, exists := co.store.get(id); !exists {
			break
		}
		id = newRoomID()
	}

	room := co.store.create(id, newSeed())

	if name == "" {
		name = "Player 1"
	}

	player := &Player{
		conn: s.conn,
		id:   uuid.NewString(),
		name: name,
	}
	room.seats[0] = player

	s.roomID = id
	s.seat = 0
	s.name = name

	s.conn.Send(RoomCreatedMessage{
		Type:        "room_created",
		RoomID:      id,
		Seed:        room.seed,
		PlayerIndex: 0,
	})

	logf(co.cfg, "ROOMS: %q (%s) created room %s", name, player.id, id)
}

func (co *Coordinator) joinRoom(s *session, roomID, name string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if s.roomID != "" {
		logf(co.cfg, "ROOMS: Ignoring join_room from a session already in %s", s.roomID)
		return
	}

	id := strings.ToUpper(roomID)

	room, ok := co.store.get(id)
	if !ok {
		s.conn.Send(ErrorMessage{
			Type:    "error",
			Message: "Room not found",
		})
		return
	}

	seat := room.freeSeat()
	if seat < 0 {
		s.conn.Send(ErrorMessage{
			Type:    "error",
			Message: "Room full",
		})
		return
	}

	if name == "" {
		name = "Player 2"
	}

	player := &Player{
		conn: s.conn,
		id:   uuid.NewString(),
		name: name,
	}
	room.seats[seat] = player
	room.lastActive = time.Now()

	s.roomID = id
	s.seat = seat
	s.name = name

	opponentName := ""
	opponent := room.opponent(seat)
	if opponent != nil {
		opponentName = opponent.name
	}

	s.conn.Send(RoomJoinedMessage{
		Type:         "room_joined",
		RoomID:       id,
		Seed:         room.seed,
		PlayerIndex:  seat,
		OpponentName: opponentName,
	})

	if opponent != nil {
		opponent.conn.Send(OpponentJoinedMessage{
			Type:         "opponent_joined",
			OpponentName: name,
		})
	}

	logf(co.cfg, "ROOMS: %q (%s) joined room %s as seat %d", name, player.id, id, seat)
}

func (co *Coordinator) ready(s *session) {
	co.mu.Lock()
	defer co.mu.Unlock()

	room, player := co.lookup(s)
	if room == nil || player == nil {
		return
	}

	player.ready = true
	room.lastActive = time.Now()

	// Relayed on every ready call, not only the first; the client
	// treats it as an idempotent signal.
	if opponent := room.opponent(s.seat); opponent != nil {
		opponent.conn.Send(OpponentReadyMessage{Type: "opponent_ready"})
	}

	if !room.started && room.playerCount() == seatCount && room.allReady() {
		room.started = true
		room.startTime = time.Now()
		room.broadcast(GameStartMessage{Type: "game_start"})

		logf(co.cfg, "GAMES: Room %s started with seed %d", room.id, room.seed)
	}
}

func (co *Coordinator) progress(s *session, foundation, moves int) {
	co.mu.Lock()
	defer co.mu.Unlock()

	room, player := co.lookup(s)
	if room == nil || player == nil {
		return
	}

	player.progress = foundation
	player.moves = moves
	room.lastActive = time.Now()

	if opponent := room.opponent(s.seat); opponent != nil {
		opponent.conn.Send(OpponentProgressMessage{
			Type:       "opponent_progress",
			Foundation: foundation,
			Moves:      moves,
		})
	}
}

func (co *Coordinator) win(s *session, moves int) {
	co.mu.Lock()
	defer co.mu.Unlock()

	room, player := co.lookup(s)
	if room == nil || player == nil {
		return
	}

	// At most one winner per game; later claims are dropped.
	if !room.started || room.winner != noWinner {
		return
	}

	room.winner = s.seat
	room.lastActive = time.Now()

	elapsed := fmt.Sprintf("%.1f", time.Since(room.startTime).Seconds())

	room.broadcast(GameOverMessage{
		Type:       "game_over",
		Winner:     s.seat,
		WinnerName: player.name,
		Time:       elapsed,
		Moves:      moves,
	})

	logf(co.cfg, "GAMES: %q won room %s in %ss with %d moves", player.name, room.id, elapsed, moves)
}

func (co *Coordinator) newGame(s *session) {
	co.mu.Lock()
	defer co.mu.Unlock()

	room, player := co.lookup(s)
	if room == nil || player == nil {
		return
	}

	room.reset(newSeed())
	room.lastActive = time.Now()

	room.broadcast(NewGameMessage{
		Type: "new_game",
		Seed: room.seed,
	})

	logf(co.cfg, "GAMES: Room %s re-dealt with seed %d", room.id, room.seed)
}

// disconnect detaches a session's player from its room, notifying the
// survivor and deleting the room once the last seat empties.
func (co *Coordinator) disconnect(s *session) {
	co.mu.Lock()
	defer co.mu.Unlock()

	room, player := co.lookup(s)
	if room == nil || player == nil {
		return
	}

	if opponent := room.opponent(s.seat); opponent != nil {
		opponent.conn.Send(OpponentDisconnectedMessage{Type: "opponent_disconnected"})
	}

	room.seats[s.seat] = nil
	room.lastActive = time.Now()
	s.roomID = ""

	logf(co.cfg, "ROOMS: %q (%s) left room %s", player.name, player.id, room.id)

	if room.playerCount() == 0 {
		co.store.delete(room.id)
		logf(co.cfg, "ROOMS: Deleted empty room %s", room.id)
	}
}

// reaperLoop periodically closes rooms idle longer than idleTimeout.
func (co *Coordinator) reaperLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-idleTimeout)

		co.mu.Lock()
		for id, room := range co.store.rooms {
			if !room.lastActive.Before(cutoff) {
				continue
			}

			co.store.delete(id)
			for _, p := range room.seats {
				if p == nil {
					continue
				}
				p.conn.Send(ErrorMessage{
					Type:    "error",
					Message: "Room closed for inactivity",
				})
				_ = p.conn.Close()
			}

			logf(co.cfg, "ROOMS: Reaped idle room %s", id)
		}
		co.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// Send queues v for the write pump, dropping it if the peer is too far
// behind. Safe to call until the pump's channel is closed by readPump.
func (c *Client) Send(v any) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readPump(cfg *Config, co *Coordinator) {
	sess := newSession(c)

	defer func() {
		co.disconnect(sess)
		_ = c.conn.Close()
		close(c.send)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logf(cfg, "GAMES: Dropped malformed payload from %s: %v", c.conn.RemoteAddr(), err)
			continue
		}

		switch msg.Type {
		case "create_room":
			co.createRoom(sess, msg.Name)
		case "join_room":
			co.joinRoom(sess, msg.RoomID, msg.Name)
		case "ready":
			co.ready(sess)
		case "progress":
			co.progress(sess, msg.Foundation, msg.Moves)
		case "win":
			co.win(sess, msg.Moves)
		case "new_game":
			co.newGame(sess)
		default:
			logf(cfg, "GAMES: Dropped unknown message type %q from %s", msg.Type, c.conn.RemoteAddr())
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Websocket handler; rooms are chosen by create_room/join_room messages
// on the established connection, not by URL.
func serveWS(cfg *Config, co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		go client.writePump()
		client.readPump(cfg, co)
	}
}

// QR handler: generates a PNG QR code for a room's join URL using go-qrcode.
func qrHandler(co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := strings.ToUpper(ps.ByName("roomid"))

		co.mu.Lock()
		_, ok := co.store.get(roomID)
		co.mu.Unlock()

		if !ok {
			http.Error(w, "no such room", http.StatusNotFound)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:roomid/qr; strip trailing "/qr" to get the join URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed solitaire/index.html
var indexHTML []byte

//go:embed solitaire/app.css
var soliraceCSS []byte

//go:embed solitaire/app.js
var soliraceJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(soliraceCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(soliraceJS)
	}
}

// registerSolitaireGame sets up routes so that:
//   - $path              → lobby + game client
//   - $path/:roomid      → same client, room code prefilled from the URL
//   - $path/:roomid/qr   → PNG QR code for that room's join URL
//   - /ws                → websocket shared by every room
func registerSolitaireGame(cfg *Config, path string, mux *httprouter.Router) {
	store := newRoomStore()
	co := newCoordinator(cfg, store)

	if cfg.roomTimeout > 0 {
		go co.reaperLoop(cfg.roomTimeout)
	}

	// Lobby and game client (HTML)
	mux.GET(cfg.prefix+path, getIndexHandler(cfg))
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no room id in route)
	mux.GET(cfg.prefix+"/assets/solitaire/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/solitaire/app.js", getJsHandler(cfg))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler(co))

	// Shared websocket
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, co))
}

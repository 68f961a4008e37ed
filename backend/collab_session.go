package backend

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gpestana/rdoc"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// roomIDAlphabet is the constrained character set collab room codes are
// drawn from — short enough to read aloud or type from memory.
const roomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const roomIDLength = 6

// newRoomID generates a 6-character [a-z0-9] room code for a host session.
func newRoomID() (string, error) {
	raw := make([]byte, roomIDLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating room id: %w", err)
	}
	out := make([]byte, roomIDLength)
	for i, b := range raw {
		out[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(out), nil
}

// collabMessage is the single envelope exchanged over the signaling
// websocket: either a CRDT patch (Ops) or an awareness update (Awareness).
type collabMessage struct {
	Type      string           `json:"type"` // "ops" | "awareness" | "hello"
	Ops       json.RawMessage  `json:"ops,omitempty"`
	Awareness *AwarenessUpdate `json:"awareness,omitempty"`
}

// AwarenessUpdate carries a peer's live cursor/identity, never persisted.
type AwarenessUpdate struct {
	PeerID    string `json:"peerId"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	UpdatedAt string `json:"updatedAt"`
}

// CollabSession is a single collaborative-editing session over one note's
// content. The host opens a local websocket listener; guests dial it
// directly (the join address is exchanged out of band by the caller — e.g.
// shown in the UI for the user to copy). While a session is active, the
// Sync Engine's automatic cycles are suspended: the host writes the note
// through NoteService (and so reaches the mutation queue) every
// collabSnapshotInterval and once more when the session ends, not on every
// keystroke; guests never write it.
type CollabSession struct {
	mu        sync.Mutex
	noteID    string
	roomID    string
	isHost    bool
	doc       *rdoc.Doc
	peerID    string
	peerName  string
	awareness map[string]*AwarenessUpdate

	conns   map[*websocket.Conn]struct{}
	server  *http.Server
	ln      net.Listener
	guestWS *websocket.Conn

	ctx        context.Context
	noteSvc    NoteService
	queue      *MutationQueue
	syncEngine *SyncEngine
	closed     bool

	snapshotStop chan struct{}
}

// collabSnapshotInterval is the conservative periodic flush interval the host
// uses to persist a crash-safety snapshot while the session is still active,
// independent of the final flush on session end.
const collabSnapshotInterval = 2 * time.Minute

// StartHostSession creates a new session as host, seeding the CRDT doc from
// the note's current content, and returns the local listen address guests
// should dial (ws://host:port/collab?room=<roomID>).
func StartHostSession(ctx context.Context, note *Note, peerID, peerName string, noteSvc NoteService, engine *SyncEngine, queue *MutationQueue) (*CollabSession, string, error) {
	doc := rdoc.Init(note.ID)
	initPatch, err := json.Marshal([]map[string]interface{}{
		{"op": "add", "path": "/", "value": map[string]interface{}{}},
		{"op": "add", "path": "/content", "value": note.Content},
		{"op": "add", "path": "/title", "value": note.Title},
	})
	if err != nil {
		return nil, "", fmt.Errorf("building init patch: %w", err)
	}
	if err := doc.Apply(initPatch); err != nil {
		return nil, "", fmt.Errorf("initializing collab doc: %w", err)
	}

	roomID, err := newRoomID()
	if err != nil {
		return nil, "", err
	}

	s := &CollabSession{
		noteID:     note.ID,
		roomID:     roomID,
		isHost:     true,
		doc:        doc,
		peerID:     peerID,
		peerName:   peerName,
		awareness:  make(map[string]*AwarenessUpdate),
		conns:      make(map[*websocket.Conn]struct{}),
		ctx:        ctx,
		noteSvc:    noteSvc,
		queue:      queue,
		syncEngine: engine,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("opening collab listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/collab", s.handleIncoming)
	mux.HandleFunc("/collab/probe", s.handleProbe)
	s.ln = ln
	s.server = &http.Server{Handler: mux}
	go s.server.Serve(ln)

	if engine != nil {
		engine.Suspend()
	}
	s.startPeriodicSnapshot()
	wailsRuntime.EventsEmit(ctx, "collab:started", map[string]string{"noteId": note.ID, "role": "host"})
	return s, fmt.Sprintf("ws://%s/collab?room=%s", ln.Addr().String(), roomID), nil
}

// handleProbe answers a pre-join check with 200 when room matches this
// session's room id, 404 otherwise — lets JoinSession fail fast on a stale
// or mistyped join address instead of hanging in the websocket handshake.
func (s *CollabSession) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("room") != s.roomID {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// startPeriodicSnapshot runs only on the host: a crash-safety flush at
// collabSnapshotInterval, independent of the final flush End() performs.
// Guests never persist, so this is a no-op there.
func (s *CollabSession) startPeriodicSnapshot() {
	if !s.isHost {
		return
	}
	s.snapshotStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(collabSnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.flushSnapshot()
			case <-s.snapshotStop:
				return
			}
		}
	}()
}

// JoinSession dials an existing host's session as a guest. It probes the
// host's /collab/probe endpoint first so a stale or mistyped join address
// fails fast with a clear error instead of hanging in the websocket
// handshake or silently joining the wrong room.
func JoinSession(ctx context.Context, noteID, addr, peerID, peerName string, noteSvc NoteService, engine *SyncEngine, queue *MutationQueue) (*CollabSession, error) {
	roomID, err := probeRoom(ctx, addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing collab session: %w", err)
	}

	doc := rdoc.Init(noteID)
	s := &CollabSession{
		noteID:     noteID,
		roomID:     roomID,
		isHost:     false,
		doc:        doc,
		peerID:     peerID,
		peerName:   peerName,
		awareness:  make(map[string]*AwarenessUpdate),
		conns:      make(map[*websocket.Conn]struct{}),
		guestWS:    conn,
		ctx:        ctx,
		noteSvc:    noteSvc,
		queue:      queue,
		syncEngine: engine,
	}
	go s.readLoop(conn)

	if engine != nil {
		engine.Suspend()
	}
	wailsRuntime.EventsEmit(ctx, "collab:started", map[string]string{"noteId": noteID, "role": "guest"})
	return s, nil
}

// probeRoom hits the host's HTTP probe endpoint (derived from the ws(s)://
// join address) before the websocket handshake, returning the room id on a
// 200 response.
func probeRoom(ctx context.Context, addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parsing collab join address: %w", err)
	}
	room := u.Query().Get("room")
	if room == "" {
		return "", fmt.Errorf("collab join address missing room id")
	}

	probeURL := *u
	switch u.Scheme {
	case "ws":
		probeURL.Scheme = "http"
	case "wss":
		probeURL.Scheme = "https"
	}
	probeURL.Path = "/collab/probe"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building collab probe request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("probing collab session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collab session not found for room %q", room)
	}
	return room, nil
}

func (s *CollabSession) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("room") != s.roomID {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	// New peer joins mid-session: replay the full operation history as one
	// patch so a newly-joined (or reconnecting) peer rehydrates from the
	// current state without needing every individual prior op.
	if ops, err := s.doc.Operations(); err == nil {
		s.sendTo(conn, collabMessage{Type: "hello", Ops: ops})
	}

	go s.readLoop(conn)
}

func (s *CollabSession) readLoop(conn *websocket.Conn) {
	defer func() {
		s.dropConn(conn)
		// ゲストの唯一の接続はホストへのもの。それが切れたらセッションは
		// 全参加者で終わるので、ゲスト側もここで終了して同期を再開させる。
		// 自分からEnd()した場合はclosed済みで、二重終了にはならない。
		if !s.isHost {
			s.End()
		}
	}()
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		var msg collabMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleMessage(conn, msg)
	}
}

func (s *CollabSession) handleMessage(from *websocket.Conn, msg collabMessage) {
	switch msg.Type {
	case "ops", "hello":
		s.mu.Lock()
		applyErr := s.doc.Apply(msg.Ops)
		s.mu.Unlock()
		if applyErr != nil {
			return
		}
		if s.isHost {
			s.broadcastExcept(from, msg)
		}
	case "awareness":
		if msg.Awareness == nil {
			return
		}
		s.mu.Lock()
		s.awareness[msg.Awareness.PeerID] = msg.Awareness
		s.mu.Unlock()
		if s.isHost {
			s.broadcastExcept(from, msg)
		}
		wailsRuntime.EventsEmit(s.ctx, "collab:awareness", msg.Awareness)
	}
}

// ApplyLocalPatch applies a local edit to the CRDT doc and broadcasts it.
func (s *CollabSession) ApplyLocalPatch(patch []byte) error {
	s.mu.Lock()
	err := s.doc.Apply(patch)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("applying local collab patch: %w", err)
	}
	s.broadcastExcept(nil, collabMessage{Type: "ops", Ops: patch})
	return nil
}

// BroadcastAwareness sends this peer's cursor/identity to all other peers.
func (s *CollabSession) BroadcastAwareness(line, col int, color string) {
	update := &AwarenessUpdate{
		PeerID:    s.peerID,
		Name:      s.peerName,
		Color:     color,
		Line:      line,
		Column:    col,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.Lock()
	s.awareness[s.peerID] = update
	s.mu.Unlock()
	s.broadcastExcept(nil, collabMessage{Type: "awareness", Awareness: update})
}

func (s *CollabSession) broadcastExcept(except *websocket.Conn, msg collabMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !s.isHost {
		if s.guestWS != nil && s.guestWS != except {
			s.guestWS.Write(s.ctx, websocket.MessageText, data)
		}
		return
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Write(s.ctx, websocket.MessageText, data)
	}
}

func (s *CollabSession) sendTo(conn *websocket.Conn, msg collabMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *CollabSession) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// flushSnapshot projects the CRDT doc's current content and title through
// NoteService (and so into the mutation queue via the normal save path). Only
// the host ever calls this — guests never persist locally or remotely; a
// guest's on-disk note is left untouched. Used both by the periodic
// crash-safety flush and by End()'s
// final coalesced save.
func (s *CollabSession) flushSnapshot() error {
	if !s.isHost || s.noteSvc == nil {
		return nil
	}
	s.mu.Lock()
	snapshot, err := s.doc.MarshalJSON()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("snapshotting collab doc: %w", err)
	}

	var state struct {
		Content string `json:"content"`
		Title   string `json:"title"`
	}
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return fmt.Errorf("decoding collab snapshot: %w", err)
	}

	note, err := s.noteSvc.LoadNote(s.noteID)
	if err != nil {
		return nil
	}
	note.Content = state.Content
	if state.Title != "" {
		note.Title = state.Title
	}
	note.Version++
	note.IsShared = false
	note.ModifiedTime = time.Now().UTC().Format(time.RFC3339Nano)

	if s.queue == nil {
		return s.noteSvc.SaveNote(note)
	}
	payload, err := json.Marshal(mutationPayload{Note: note})
	if err != nil {
		return fmt.Errorf("marshaling collab flush payload: %w", err)
	}
	_, err = s.queue.SaveEntityWithQueue(EntityNote, note.ID, QueuedOpUpdate, payload, func() error {
		return s.noteSvc.SaveNote(note)
	})
	return err
}

// End performs the final coalesced flush, tears
// down the transport, stops the periodic snapshot loop, and resumes the Sync
// Engine's automatic cycles.
func (s *CollabSession) End() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.snapshotStop != nil {
		close(s.snapshotStop)
	}

	if err := s.flushSnapshot(); err != nil {
		return err
	}

	if s.isHost {
		if s.server != nil {
			s.server.Close()
		}
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close(websocket.StatusNormalClosure, "session ended")
		}
		s.mu.Unlock()
	} else if s.guestWS != nil {
		s.guestWS.Close(websocket.StatusNormalClosure, "session ended")
	}

	if s.syncEngine != nil {
		s.syncEngine.Resume()
	}
	wailsRuntime.EventsEmit(s.ctx, "collab:ended", map[string]string{"noteId": s.noteID})
	return nil
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Tyrowin/roomchat/internal/dispatch"
	"github.com/Tyrowin/roomchat/internal/messagelog"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Deps are the collaborators a Server routes traffic to.
type Deps struct {
	Hub       *dispatch.Hub
	Sessions  SessionHandler
	Directory *presence.Directory
	History   messagelog.Log
	Logger    zerolog.Logger
}

// Server holds the HTTP handlers for the websocket endpoint, the read-only
// room API and the health and test pages.
type Server struct {
	config    Config
	hub       *dispatch.Hub
	sessions  SessionHandler
	directory *presence.Directory
	history   messagelog.Log
	origins   *originPolicy
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// New builds a Server from a sanitized copy of cfg.
func New(cfg Config, deps Deps) *Server {
	cfg = sanitizeConfig(cfg)
	logger := deps.Logger.With().Str("component", "server").Logger()

	s := &Server{
		config:    cfg,
		hub:       deps.Hub,
		sessions:  deps.Sessions,
		directory: deps.Directory,
		history:   deps.History,
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config {
	return s.config
}

// WebSocketHandler handles WebSocket upgrade requests and manages client connections.
// It validates that the request uses the GET method, upgrades the HTTP connection
// to WebSocket, creates a new Client and registers it with the hub, which
// starts the client's read/write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), conn, s.config, s.sessions, s.hub, r.RemoteAddr, s.logger)
	if !s.hub.Register(client) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// HealthzHandler reports liveness with connection and room counts.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthStatus{
		Status:      "ok",
		Connections: s.hub.Len(),
		Rooms:       len(s.directory.Rooms()),
	})
}

// RoomsHandler lists occupied rooms with their member counts.
func (s *Server) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.directory.Rooms())
}

// RoomUsersHandler returns the roster of one room.
func (s *Server) RoomUsersHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(r)
	if !ok {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.directory.MembersOf(room, ""))
}

// RoomMessagesHandler returns the newest messages of one room, oldest first.
// The optional limit query parameter is capped at the configured history limit.
func (s *Server) RoomMessagesHandler(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(r)
	if !ok {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	limit := s.config.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, s.config.HistoryLimit)
	}

	msgs, err := s.history.Recent(r.Context(), room, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("room", room).Msg("Failed to load room history")
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.FromStoredList(msgs))
}

func roomParam(r *http.Request) (string, bool) {
	room, err := url.PathUnescape(chi.URLParam(r, "room"))
	if err != nil || room == "" {
		return "", false
	}
	return room, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Error writing JSON response")
	}
}

// TestPageHandler serves an HTML page for trying the chat from a browser.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Debug().Err(err).Msg("Error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>roomchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #layout { display: flex; gap: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            width: 520px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #users { border: 1px solid #ccc; width: 160px; padding: 10px; margin: 10px 0; }
        #typing { color: gray; height: 1.2em; font-style: italic; }
        input[type="text"] {
            width: 200px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>roomchat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="nameInput" placeholder="Name">
        <input type="text" id="roomInput" placeholder="Room" value="lobby">
        <button id="joinButton" onclick="join()">Join</button>
    </div>

    <div id="layout">
        <div>
            <div id="messages"></div>
            <div id="typing"></div>
        </div>
        <div id="users"><strong>Users</strong><ul id="userList"></ul></div>
    </div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div>
        <input type="text" id="recipientInput" placeholder="Private to..." disabled>
        <input type="text" id="privateInput" placeholder="Private message..." disabled>
        <button id="privateButton" onclick="sendPrivate()" disabled>Whisper</button>
    </div>

    <script>
        let ws = null;
        let typingTimer = null;
        let lastTyping = 0;
        const messagesDiv = document.getElementById('messages');
        const typingDiv = document.getElementById('typing');
        const userList = document.getElementById('userList');
        const statusDiv = document.getElementById('status');
        const inputs = ['messageInput', 'sendButton', 'recipientInput', 'privateInput', 'privateButton']
            .map(function(id) { return document.getElementById(id); });

        function addLine(prefix, text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color;
            const strong = document.createElement('strong');
            strong.textContent = prefix;
            el.appendChild(strong);
            el.appendChild(document.createTextNode(' ' + text));
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function time(ms) {
            return new Date(ms).toLocaleTimeString();
        }

        function renderMessage(m) {
            addLine('[' + time(m.timestamp) + '] ' + m.author + ':', m.text, m.author === 'Admin' ? 'gray' : 'black');
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            inputs.forEach(function(el) { el.disabled = !connected; });
        }

        function send(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function handle(frame) {
            const env = JSON.parse(frame);
            switch (env.event) {
            case 'message':
                renderMessage(env.data);
                break;
            case 'previousMessages':
                env.data.forEach(renderMessage);
                break;
            case 'users':
                userList.innerHTML = '';
                env.data.forEach(function(name) {
                    const li = document.createElement('li');
                    li.textContent = name;
                    userList.appendChild(li);
                });
                break;
            case 'typing':
                typingDiv.textContent = env.data.name + ' is typing...';
                clearTimeout(typingTimer);
                typingTimer = setTimeout(function() { typingDiv.textContent = ''; }, 2000);
                break;
            case 'privateMessage':
                addLine('[' + time(env.data.timestamp) + '] ' + env.data.sender + ' (private):', env.data.text, 'purple');
                break;
            }
        }

        function join() {
            const name = document.getElementById('nameInput').value.trim();
            const room = document.getElementById('roomInput').value.trim();
            if (!name || !room) {
                return;
            }
            if (ws && ws.readyState === WebSocket.OPEN) {
                messagesDiv.innerHTML = '';
                send('join', {name: name, room: room});
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                updateStatus(true);
                send('join', {name: name, room: room});
            };
            ws.onmessage = function(event) { handle(event.data); };
            ws.onclose = function() {
                addLine('', 'Connection closed', 'gray');
                updateStatus(false);
                ws = null;
            };
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (text) {
                send('sendMessage', text);
                input.value = '';
            }
        }

        function sendPrivate() {
            const to = document.getElementById('recipientInput').value.trim();
            const input = document.getElementById('privateInput');
            const text = input.value.trim();
            if (to && text) {
                send('privateMessage', {recipientName: to, text: text});
                addLine('to ' + to + ' (private):', text, 'purple');
                input.value = '';
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            } else if (Date.now() - lastTyping > 1500) {
                lastTyping = Date.now();
                send('typing');
            }
        });
    </script>
</body>
</html>`

package gateway

// Close codes beyond the RFC 6455 set. CloseAuthFailure is deliberately
// distinguishable from transient close codes so clients never auto-retry a
// bad credential as if it were a network blip.
const (
	// CloseAuthFailure signals a rejected credential. Terminal for the socket.
	CloseAuthFailure = 4401
)

// Client frame identifiers.
const (
	actionAuthenticate = "authenticate"
	typeAuth           = "auth"
	typeSubscribe      = "subscribe"
	typeUnsubscribe    = "unsubscribe"
	typePing           = "ping"
)

// Server frame types.
const (
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypeError       = "error"
	TypePong        = "pong"
)

// clientFrame is the JSON shape of every client-to-server message. The
// authenticate handshake uses "action"; everything after it uses "type".
type clientFrame struct {
	Action  string `json:"action,omitempty"`
	Type    string `json:"type,omitempty"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (f clientFrame) kind() string {
	if f.Action != "" {
		return f.Action
	}
	return f.Type
}

// ServerFrame is the JSON shape of protocol-level server-to-client messages.
// Fan-out events use the event frame shape instead.
type ServerFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Code    string `json:"code,omitempty"`
}

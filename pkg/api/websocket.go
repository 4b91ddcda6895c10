package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// wsReadLimit bounds one inbound frame. Upstream audio chunks are the
// largest legitimate payload and stay well under this.
const wsReadLimit = 1 << 20

// upgrade promotes the HTTP request to a WebSocket and runs the
// connection until it closes. Registered on the raw mux rather than
// gin: Accept hijacks the connection, which gin's wrapped writer
// refuses.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// browsers already go through the CORS allowlist; watch and
		// relay clients send no Origin header at all
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.serveConn(r.Context(), conn)
}

// serveConn tracks the connection and pumps inbound frames through the
// message router. Blocks until the socket closes.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)

	tracked := s.manager.Track(conn)
	defer s.router.HandleDisconnect(tracked)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.router.Route(ctx, tracked, msgType, data)
	}
}

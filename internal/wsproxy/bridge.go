// Package wsproxy implements the websocket<->TCP bridge step of the
// Process Supervisor's start chain (C2): it replaces the external
// websockify process with a native Go proxy serving the browser-based VNC
// client over a websocket port, bridged to the raw VNC TCP port.
package wsproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Bridge listens on a web-port and forwards each websocket connection's
// binary frames to/from a raw TCP connection on the backing VNC port.
type Bridge struct {
	listenAddr string
	targetAddr string

	server   *http.Server
	listener net.Listener

	wg sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // VNC client served from the same bridge
}

// Start begins listening on listenAddr and proxying each accepted
// websocket connection to targetAddr (the VNC server's TCP port). It
// returns once the listener is bound; connection handling runs in the
// background until Close is called.
func Start(ctx context.Context, listenAddr, targetAddr string) (*Bridge, error) {
	b := &Bridge{listenAddr: listenAddr, targetAddr: targetAddr}

	mux := http.NewServeMux()
	mux.HandleFunc("/websockify", b.handleWebsocket)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("websocket proxy listen on %s: %w", listenAddr, err)
	}
	b.listener = ln
	b.server = &http.Server{Handler: mux}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("listen_addr", listenAddr).Msg("websocket proxy server exited")
		}
	}()

	return b, nil
}

// Close stops accepting new connections and shuts down the bridge.
func (b *Bridge) Close() error {
	if b.server == nil {
		return nil
	}
	err := b.server.Close()
	b.wg.Wait()
	return err
}

func (b *Bridge) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer wsConn.Close()

	tcpConn, err := net.Dial("tcp", b.targetAddr)
	if err != nil {
		log.Warn().Err(err).Str("target", b.targetAddr).Msg("failed to dial VNC backend")
		return
	}
	defer tcpConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer tcpConn.Close()
		for {
			_, data, err := wsConn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := tcpConn.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer wsConn.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := tcpConn.Read(buf)
			if n > 0 {
				if werr := wsConn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

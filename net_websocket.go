package resclient

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

const writeTimeout = time.Second

// wsConn is a WebSocket connection to a RES gateway. The protocol is JSON
// over text frames; binary frames are dropped with a warning. Each
// connection is stamped with a ULID so interleaved connect cycles can be
// told apart in the logs.
type wsConn struct {
	logger          logger
	conn            *websocket.Conn
	sendC           chan []byte
	closeC          chan struct{}
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once
	onFrame         func([]byte)
	onClose         func(error)
}

func dialWs(dialer *websocket.Dialer, params OpenConnectionParams, lg logger) (*wsConn, error) {
	conn, resp, err := dialer.Dial(params.URL, params.Header)
	if err != nil {
		return nil, handleDialError(resp, err)
	}

	return &wsConn{
		logger: lg.WithField("conn", ulid.Make().String()),
		conn:   conn,
		sendC:  make(chan []byte, 32),
		closeC: make(chan struct{}),
	}, nil
}

func handleDialError(resp *http.Response, err error) error {
	var msg string
	if resp != nil && resp.Body != nil {
		if bts, rerr := io.ReadAll(resp.Body); rerr == nil && len(bts) > 0 {
			msg = ": " + string(bts)
		}
	}
	return errors.Wrap(ErrConnectionError, err.Error()+msg)
}

func (w *wsConn) start(onFrame func([]byte), onClose func(error)) {
	w.onFrame = onFrame
	w.onClose = onClose

	// Take over control frames; the gateway pings to probe liveness and
	// expects a pong back on the same connection.
	w.conn.SetPingHandler(func(appData string) error {
		w.logger.Debugf("<= [PING]")
		return w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	w.conn.SetCloseHandler(func(code int, text string) error {
		w.logger.Debugf("<= [CLOSE] %d %s", code, text)
		w.setCloseReason(errors.Wrapf(ErrConnectionError, "connection closed by peer: %d %s", code, text))
		return nil
	})

	go w.read()
	go w.write()
}

func (w *wsConn) send(frame []byte) error {
	select {
	case w.sendC <- frame:
		return nil
	case <-w.closeC:
		return errors.Wrap(ErrConnectionError, "connection is closed")
	}
}

func (w *wsConn) read() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeC:
			return
		default:
			messageType, bts, err := w.conn.ReadMessage()
			if err != nil {
				w.logger.Errorf("error occurred on websocket read: %s", err)
				w.setCloseReason(errors.Wrap(ErrConnectionError, err.Error()))
				return
			}
			switch messageType {
			case websocket.TextMessage:
				w.logger.Debugf("<= [DATA] %s", bts)
				w.onFrame(bts)
			default:
				w.logger.Warnf("dropping non-text frame of type %d", messageType)
			}
		}
	}
}

func (w *wsConn) write() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeC:
			return
		case frame := <-w.sendC:
			w.logger.Debugf("=> [DATA] %s", frame)
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.setCloseReason(errors.Wrap(ErrConnectionError, err.Error()))
				return
			}
		}
	}
}

func (w *wsConn) close() {
	w.setCloseReason(ErrDisconnect)
	w.safeClose()
}

func (w *wsConn) closeErr() error {
	return w.closeReason
}

func (w *wsConn) safeClose() {
	w.closeOnce.Do(func() {
		_ = w.conn.Close()
		close(w.closeC)
		if w.onClose != nil {
			w.onClose(w.closeReason)
		}
	})
}

func (w *wsConn) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}

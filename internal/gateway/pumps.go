package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// readPump pumps messages from the websocket connection to the router.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {

	defer func() {
		c.unregister()
		c.conn.Close()
		log.WithField("connection_id", c.info.ID).Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		// text and binary frames are both treated as json
		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithFields(log.Fields{"connection_id": c.info.ID, "error": err.Error()}).Error("readPump error")
			}
			break
		}

		c.stats.RecordRx(len(data))

		log.WithFields(log.Fields{"connection_id": c.info.ID, "size": len(data)}).Trace("Received frame")

		c.gateway.config.Router.Inbound(c, c.info.UserID, data)
	}
}

// writePump pumps messages from the router to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("connection_id", c.info.ID).Trace("write pump dead")
	}()
	for {
		select {

		case data, ok := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if !ok {
				// unregistered, so the read pump has finished
				c.writeClose(websocket.CloseNormalClosure, "")
				return
			}

			// one frame per event so that each frame is a complete json object
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithFields(log.Fields{"connection_id": c.info.ID, "error": err.Error()}).Debug("writePump writing error")
				return
			}

			c.stats.RecordTx(len(data))

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case k := <-c.kick:
			c.writeClose(k.code, k.reason)
			return

		case <-closed:
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *Client) writeClose(code int, reason string) {
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	if err != nil {
		log.WithFields(log.Fields{"connection_id": c.info.ID, "error": err.Error()}).Debug("writePump closeMessage error")
	}
}

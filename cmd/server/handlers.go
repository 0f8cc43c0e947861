package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/auth"
	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/server"
)

// 示範用的客戶端事件：
//
//	join    {"room": "general"}
//	leave   {"room": "general"}
//	message {"room": "general", "text": "hi"} → 同房間其他人收到 message
//	whoami  {}                                 → 回傳自己的 ID、房間與身分

type roomRequest struct {
	Room string `json:"room"`
	Text string `json:"text,omitempty"`
}

func registerDemoHandlers(app *server.Server) {
	app.OnNamespace(func(ns *fabric.Namespace) {
		ns.OnConnection(func(c *fabric.Conn) {
			c.On("join", func(c *fabric.Conn, data json.RawMessage) {
				var req roomRequest
				if json.Unmarshal(data, &req) != nil {
					return
				}
				outcome, err := c.Join(req.Room)
				reply(c, "joined", req.Room, outcome, err)
			})

			c.On("leave", func(c *fabric.Conn, data json.RawMessage) {
				var req roomRequest
				if json.Unmarshal(data, &req) != nil {
					return
				}
				outcome, err := c.Leave(req.Room)
				reply(c, "left", req.Room, outcome, err)
			})

			c.On("message", func(c *fabric.Conn, data json.RawMessage) {
				var req roomRequest
				if json.Unmarshal(data, &req) != nil || req.Room == "" {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ns.To(req.Room).Except(c.ID()).Emit(ctx, "message", map[string]string{
					"from": c.ID(),
					"room": req.Room,
					"text": req.Text,
				})
			})

			c.On("whoami", func(c *fabric.Conn, _ json.RawMessage) {
				resp := map[string]any{"id": c.ID(), "rooms": c.Rooms()}
				if claims, ok := auth.ClaimsOf(c); ok {
					resp["subject"] = claims.Subject
				}
				_ = c.Emit("whoami", resp)
			})
		})
	})
}

func reply(c *fabric.Conn, event, room string, outcome fabric.Outcome, err error) {
	if err != nil {
		_ = c.Emit("error", map[string]string{"event": event, "message": err.Error()})
		return
	}
	_ = c.Emit(event, map[string]string{"room": room, "outcome": outcome.String()})
}

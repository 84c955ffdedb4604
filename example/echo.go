package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/msgnet"
)

type msgType uint32

const (
	serverAccept msgType = iota
	serverDeny
	serverPing
	messageAll
	serverMessage
	clientJoined
)

// echoServer accepts everyone, bounces pings and relays broadcast requests.
type echoServer struct {
	msgnet.BaseServerHandler[msgType]
	server *msgnet.Server[msgType]
}

func (s *echoServer) OnConnectionRequested(c *msgnet.Connection[msgType]) bool {
	// queued now, flushed once the handshake completes
	_ = c.Send(msgnet.NewMessage(serverAccept))
	return true
}

func (s *echoServer) OnClientValidated(c *msgnet.Connection[msgType]) {
	msg := msgnet.NewMessage(clientJoined).Append(c.ID())
	_ = s.server.MessageAllClients(msg, c)
}

func (s *echoServer) OnClientDisconnected(c *msgnet.Connection[msgType]) {
	slog.Info("removing client", "conn_id", c.ID())
}

func (s *echoServer) OnMessage(c *msgnet.Connection[msgType], msg *msgnet.Message[msgType]) {
	if c == nil {
		return
	}

	switch msg.Header.ID {
	case serverPing:
		slog.Info("server ping", "conn_id", c.ID())
		_ = s.server.MessageClient(c, msg)

	case messageAll:
		slog.Info("message all", "conn_id", c.ID())
		out := msgnet.NewMessage(serverMessage).Append(c.ID())
		_ = s.server.MessageAllClients(out, c)
	}
}

func main() {
	handler := &echoServer{}
	handler.server = msgnet.NewServer[msgType](":60000", handler,
		msgnet.LoggerOption(slog.Default()),
		msgnet.MessageMaxSize(64<<10),
	)

	if err := handler.server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		handler.server.Stop()
		os.Exit(0)
	}()

	for {
		handler.server.Update(0, true)
	}
}

// Package server answers commands on a ZeroMQ REP socket, one JSON reply per request.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/pkg/schema"
)

// Handler runs one decoded command.
type Handler interface {
	Handle(cmd schema.Command) schema.Response
}

type Server struct {
	Handler Handler
	Listen  string
}

func New(h Handler, listen string) *Server {
	return &Server{Handler: h, Listen: listen}
}

// Serve runs the request loop until ctx is done. Requests are handled one at a time.
func (s *Server) Serve(ctx context.Context) error {
	sock := zmq4.NewRep(ctx)
	defer sock.Close()

	if err := sock.Listen(s.Listen); err != nil {
		return fmt.Errorf("listening on %s: %w", s.Listen, err)
	}
	internalUtils.Log.Info().Str("listen", s.Listen).Msg("Waiting for commands")

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				internalUtils.Log.Info().Msg("Command loop stopped")
				return nil
			}
			internalUtils.Log.Err(err).Msg("receiving request")
			continue
		}
		reply := s.HandleMessage(msg.Bytes())
		if err := sock.Send(zmq4.NewMsg(reply)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			internalUtils.Log.Err(err).Msg("sending reply")
		}
	}
}

// HandleMessage decodes one request, runs it and encodes the reply. It always returns a reply.
func (s *Server) HandleMessage(data []byte) []byte {
	internalUtils.Log.Debug().Bytes("request", data).Msg("Received")

	var resp schema.Response
	cmd, err := schema.DecodeCommand(data)
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Malformed request")
		resp = schema.Error(err)
	} else {
		resp = s.Handler.Handle(cmd)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		// Only an invalid bank in a snapshot can get here
		out, _ = json.Marshal(schema.Error(fmt.Errorf("%w: encoding reply: %s", constants.ErrProtocol, err)))
	}
	internalUtils.Log.Debug().Bytes("reply", out).Msg("Replying")
	return out
}

package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// requestTimeout bounds how long one prompt connection may take end to end,
// including the operator's answer.
const requestTimeout = 10 * time.Minute

// request is one confirmation query from the instrument.
type request struct {
	Command string `json:"command"`
	Text    string `json:"text"`
}

// response is the reply: success carries the operator's answer, error the
// reason a request could not be answered.
type response struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

// Server accepts hardware-initiated confirmation prompts: one JSON request
// per connection, answered by the configured Confirmer.
type Server struct {
	Network   string
	Address   string
	Confirmer Confirmer
	Log       zerolog.Logger
}

// ListenAndServe accepts connections until ctx is cancelled, then closes
// the listener and returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, s.Network, s.Address)
	if err != nil {
		return fmt.Errorf("listen for prompts: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.Log.Info().Str("address", ln.Addr().String()).Msg("prompt server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept prompt connection: %w", err)
		}
		go s.handle(conn)
	}
}

// handle serves one connection: decode the request, answer it, close.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.Log.Warn().Err(err).Msg("malformed prompt request")
		s.reply(conn, false, "malformed request")
		return
	}

	if req.Command != "confirmation_prompt" {
		s.Log.Warn().Str("command", req.Command).Msg("unknown prompt command")
		s.reply(conn, false, fmt.Sprintf("unknown command %q", req.Command))
		return
	}

	answer, err := s.Confirmer.Confirm(req.Text)
	if err != nil {
		s.Log.Warn().Err(err).Msg("confirmation failed")
		s.reply(conn, false, err.Error())
		return
	}
	s.reply(conn, answer, "")
}

func (s *Server) reply(conn net.Conn, success bool, errText string) {
	resp := response{Success: success}
	if errText != "" {
		resp.Error = &errText
	}
	if err := json.NewEncoder(conn).Encode(&resp); err != nil {
		s.Log.Warn().Err(err).Msg("write prompt response failed")
	}
}

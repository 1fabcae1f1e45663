package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errNoActiveCall   = errors.New("no active call")
	errAmbiguousCall  = errors.New("several active calls, pass a session id")
)

// sessionCommands act on one call.
var sessionCommands = map[string]bool{
	"accept": true, "reject": true, "hangup": true,
	"mute": true, "unmute": true, "video": true,
	"share": true, "unshare": true,
	"record": true, "stoprec": true, "ack": true,
}

type command struct {
	name string
	args []string
}

// parseCommand splits a console line. Blank lines yield an empty name.
func parseCommand(line string) command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}
}

func (c command) arg(i int) string {
	if i < len(c.args) {
		return c.args[i]
	}
	return ""
}

// pickSession resolves an explicit session id, or the only live session when
// none is given.
func pickSession(sessions []domain.CallSession, explicit string) (domain.SessionID, error) {
	if explicit != "" {
		return domain.SessionID(explicit), nil
	}
	var found []domain.SessionID
	for _, s := range sessions {
		if !s.State.Terminal() {
			found = append(found, s.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", errNoActiveCall
	case 1:
		return found[0], nil
	default:
		return "", errAmbiguousCall
	}
}

// commands reads console lines until in is exhausted or ctx ends. quit
// cancels the peer.
func commands(ctx context.Context, in io.Reader, svc *service.CallService, obs *observer, quit func()) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd := parseCommand(line)
			if cmd.name == "" {
				continue
			}
			if cmd.name == "quit" || cmd.name == "exit" {
				quit()
				return
			}
			if err := run(ctx, cmd, svc, obs); err != nil {
				log.Warn().Err(err).Str("command", cmd.name).Msg("Command failed")
			}
		}
	}
}

func run(ctx context.Context, cmd command, svc *service.CallService, obs *observer) error {
	if cmd.name == "call" {
		target := cmd.arg(0)
		if target == "" {
			return fmt.Errorf("usage: call <identity>")
		}
		s, err := svc.StartCall(ctx, domain.UserID(target), obs.constraints)
		if err != nil {
			return err
		}
		log.Info().Str("session_id", s.ID.String()).Msg("Dialing")
		return nil
	}
	if cmd.name == "list" {
		for _, s := range svc.Sessions() {
			log.Info().
				Str("session_id", s.ID.String()).
				Str("peer", s.Peer(svc.Self()).String()).
				Str("state", s.State.String()).
				Bool("audio", s.Media.AudioEnabled).
				Bool("video", s.Media.VideoEnabled).
				Msg("Session")
		}
		return nil
	}

	if !sessionCommands[cmd.name] {
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.name)
	}

	// The remaining commands act on a session. Toggles take their value
	// first, so the optional session id comes after it.
	idArg := 0
	if cmd.name == "video" {
		idArg = 1
	}
	id, err := pickSession(svc.Sessions(), cmd.arg(idArg))
	if err != nil {
		return err
	}

	switch cmd.name {
	case "accept":
		_, err = svc.Accept(ctx, id, obs.constraints)
	case "reject":
		err = svc.Reject(id)
	case "hangup":
		obs.stopRecording(id)
		err = svc.Hangup(id)
	case "mute":
		err = svc.SetAudioEnabled(id, false)
	case "unmute":
		err = svc.SetAudioEnabled(id, true)
	case "video":
		switch cmd.arg(0) {
		case "on":
			err = svc.SetVideoEnabled(id, true)
		case "off":
			err = svc.SetVideoEnabled(id, false)
		default:
			return fmt.Errorf("usage: video on|off [session]")
		}
	case "share":
		err = svc.StartScreenShare(ctx, id)
	case "unshare":
		err = svc.StopScreenShare(ctx, id)
	case "record":
		if !obs.claim(id) {
			return errors.New("already recording")
		}
		obs.startRecording(id)
	case "stoprec":
		obs.stopRecording(id)
	case "ack":
		err = svc.Acknowledge(id)
	}
	return err
}

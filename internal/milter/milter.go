// Package milter binds the session state machine to a milter listener,
// translating protocol callbacks into session events and session
// outcomes into milter responses.
package milter

import (
	"context"
	"net"
	"net/textproto"
	"strings"

	"github.com/emersion/go-milter"

	"github.com/pantosmime/pantosmime/internal/session"
)

// backend adapts milter callbacks onto a Session. The library
// delivers callbacks sequentially, and replaces the whole backend with
// a fresh one after an abort; the session treats the envelope events
// that follow as an implicit connect.
type backend struct {
	sess *session.Session
}

func (b *backend) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.Connect(host)), nil
}

func (b *backend) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.Helo(name)), nil
}

func (b *backend) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.MailFrom(from)), nil
}

func (b *backend) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.RcptTo(rcptTo)), nil
}

func (b *backend) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.Header(name, value)), nil
}

func (b *backend) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.EndOfHeaders()), nil
}

func (b *backend) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	return respond(b.sess.BodyChunk(chunk)), nil
}

// Body is the end-of-message callback: the decision point.
func (b *backend) Body(m *milter.Modifier) (milter.Response, error) {
	if id := m.Macros["i"]; id != "" {
		b.sess.SetQueueID(id)
	}

	original := b.sess.HeaderNames()
	out := b.sess.EndOfMessage(context.Background())
	if out.Action != session.ActionReplace {
		return respond(out), nil
	}

	if err := applyReplacement(m, original, out); err != nil {
		// The message was meant to be encrypted; failing the
		// modification must not let it through unprotected.
		return milter.RespTempFail, err
	}
	return milter.RespAccept, nil
}

// modifier is the subset of milter modification actions the adapter
// uses, split out so replacement logic is testable without a live
// milter connection.
type modifier interface {
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
	ReplaceBody(body []byte) error
}

// applyReplacement pushes the replacement headers and body to the MTA.
// Headers the original message already carried are changed in place;
// the rest are added. Presence is decided from the transaction's own
// header list; the library's header snapshot accumulates across
// messages on one connection and cannot be trusted here.
func applyReplacement(m modifier, original []string, out session.Outcome) error {
	present := make(map[string]bool, len(original))
	for _, name := range original {
		present[strings.ToLower(name)] = true
	}
	for _, h := range out.Headers {
		var err error
		if present[strings.ToLower(h.Name)] {
			err = m.ChangeHeader(1, h.Name, h.Value)
		} else {
			err = m.AddHeader(h.Name, h.Value)
		}
		if err != nil {
			return err
		}
	}
	return m.ReplaceBody(out.Body)
}

func respond(out session.Outcome) milter.Response {
	switch out.Action {
	case session.ActionReject:
		return milter.RespReject
	case session.ActionAccept:
		return milter.RespAccept
	default:
		return milter.RespContinue
	}
}

package milter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/emersion/go-milter"

	"github.com/pantosmime/pantosmime/internal/session"
	"github.com/pantosmime/pantosmime/internal/smime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModifier struct {
	added    []string
	changed  []string
	body     []byte
	failOn   string
	replaced bool
}

func (f *fakeModifier) AddHeader(name, value string) error {
	if f.failOn == name {
		return errors.New("add failed")
	}
	f.added = append(f.added, name)
	return nil
}

func (f *fakeModifier) ChangeHeader(index int, name, value string) error {
	if f.failOn == name {
		return errors.New("change failed")
	}
	f.changed = append(f.changed, name)
	return nil
}

func (f *fakeModifier) ReplaceBody(body []byte) error {
	if f.failOn == "body" {
		return errors.New("replace failed")
	}
	f.body = body
	f.replaced = true
	return nil
}

func TestApplyReplacement_ChangesExistingHeadersAddsMissing(t *testing.T) {
	original := []string{"Mime-Version", "Content-Type", "Subject"}

	out := session.Outcome{
		Action:  session.ActionReplace,
		Headers: smime.ReplacementHeaders(),
		Body:    []byte("ZW5jcnlwdGVk\r\n"),
	}

	mod := &fakeModifier{}
	if err := applyReplacement(mod, original, out); err != nil {
		t.Fatalf("applyReplacement: %v", err)
	}

	wantChanged := map[string]bool{"MIME-Version": true, "Content-Type": true}
	for _, name := range mod.changed {
		if !wantChanged[name] {
			t.Errorf("unexpected ChangeHeader for %q", name)
		}
		delete(wantChanged, name)
	}
	for name := range wantChanged {
		t.Errorf("header %q not changed", name)
	}

	wantAdded := map[string]bool{"Content-Transfer-Encoding": true, "Content-Disposition": true}
	for _, name := range mod.added {
		if !wantAdded[name] {
			t.Errorf("unexpected AddHeader for %q", name)
		}
		delete(wantAdded, name)
	}
	for name := range wantAdded {
		t.Errorf("header %q not added", name)
	}

	if !mod.replaced {
		t.Error("body not replaced")
	}
	if string(mod.body) != "ZW5jcnlwdGVk\r\n" {
		t.Errorf("replaced body = %q", mod.body)
	}
}

func TestApplyReplacement_AllAddedWhenNoOriginalHeaders(t *testing.T) {
	out := session.Outcome{
		Action:  session.ActionReplace,
		Headers: smime.ReplacementHeaders(),
		Body:    []byte("Ym9keQ==\r\n"),
	}

	mod := &fakeModifier{}
	if err := applyReplacement(mod, nil, out); err != nil {
		t.Fatalf("applyReplacement: %v", err)
	}
	if len(mod.changed) != 0 {
		t.Errorf("ChangeHeader called for %v, want none", mod.changed)
	}
	if len(mod.added) != len(out.Headers) {
		t.Errorf("added %d headers, want %d", len(mod.added), len(out.Headers))
	}
}

func TestApplyReplacement_PropagatesModificationErrors(t *testing.T) {
	out := session.Outcome{
		Action:  session.ActionReplace,
		Headers: smime.ReplacementHeaders(),
		Body:    []byte("Ym9keQ==\r\n"),
	}

	for _, failOn := range []string{"MIME-Version", "body"} {
		mod := &fakeModifier{failOn: failOn}
		if err := applyReplacement(mod, nil, out); err == nil {
			t.Errorf("failOn=%q: want error, got nil", failOn)
		}
	}
}

// Headers from an earlier message on the same connection must not
// influence the change-vs-add decision for the current one: the
// header list is transaction-scoped, so a message without Content-Type
// gets an add even when its predecessor carried one.
func TestHeaderPresenceScopedToTransaction(t *testing.T) {
	sess := session.New(session.Config{}, nil, nil, testLogger())
	ctx := context.Background()

	drive := func(headers [][2]string, body string) []string {
		t.Helper()
		if out := sess.MailFrom("a@x.com"); out.Action != session.ActionContinue {
			t.Fatalf("mail-from: got %v", out.Action)
		}
		if out := sess.RcptTo("b@y.com"); out.Action != session.ActionContinue {
			t.Fatalf("rcpt-to: got %v", out.Action)
		}
		for _, h := range headers {
			if out := sess.Header(h[0], h[1]); out.Action != session.ActionContinue {
				t.Fatalf("header %s: got %v", h[0], out.Action)
			}
		}
		sess.EndOfHeaders()
		sess.BodyChunk([]byte(body))
		names := sess.HeaderNames()
		if out := sess.EndOfMessage(ctx); out.Action != session.ActionAccept {
			t.Fatalf("end-of-message: got %v", out.Action)
		}
		return names
	}

	drive([][2]string{
		{"From", "a@x.com"},
		{"Content-Type", "text/plain"},
		{"MIME-Version", "1.0"},
	}, "one")

	names := drive([][2]string{
		{"From", "a@x.com"},
		{"Subject", "no content type here"},
	}, "two")

	out := session.Outcome{
		Action:  session.ActionReplace,
		Headers: smime.ReplacementHeaders(),
		Body:    []byte("Ym9keQ==\r\n"),
	}
	mod := &fakeModifier{}
	if err := applyReplacement(mod, names, out); err != nil {
		t.Fatalf("applyReplacement: %v", err)
	}

	for _, name := range mod.changed {
		if name == "Content-Type" || name == "MIME-Version" {
			t.Errorf("ChangeHeader(%q) targets a header only the previous message had", name)
		}
	}
	wantAdded := map[string]bool{
		"MIME-Version": true, "Content-Type": true,
		"Content-Transfer-Encoding": true, "Content-Disposition": true,
	}
	for _, name := range mod.added {
		delete(wantAdded, name)
	}
	for name := range wantAdded {
		t.Errorf("header %q not added", name)
	}
}

func TestRespond(t *testing.T) {
	tests := []struct {
		action session.Action
		want   milter.Response
	}{
		{session.ActionContinue, milter.RespContinue},
		{session.ActionReject, milter.RespReject},
		{session.ActionAccept, milter.RespAccept},
	}
	for _, tt := range tests {
		if got := respond(session.Outcome{Action: tt.action}); got != tt.want {
			t.Errorf("respond(%v) = %v, want %v", tt.action, got, tt.want)
		}
	}
}

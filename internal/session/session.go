// Package session implements the per-connection state machine that
// consumes ordered filtering events for one SMTP transaction and
// produces the final accept/reject/replace decision.
package session

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"strings"

	"github.com/pantosmime/pantosmime/internal/certstore"
	"github.com/pantosmime/pantosmime/internal/message"
	"github.com/pantosmime/pantosmime/internal/smime"
)

// State identifies where in the event sequence a session currently is.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateEnvelope // collecting envelope recipients
	StateHeaders  // collecting message headers
	StateBody     // collecting body chunks
	StateDeciding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateEnvelope:
		return "envelope"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateDeciding:
		return "deciding"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Policy selects the behavior when a forced recipient has no usable
// certificate at decision time.
type Policy int

const (
	// PolicyReject fails the whole message closed. This is the
	// default: the feature exists to guarantee protection.
	PolicyReject Policy = iota
	// PolicyPassthrough encrypts for the recipients that do have
	// certificates and delivers unmodified if none do.
	PolicyPassthrough
)

// ParsePolicy maps a configuration string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return PolicyReject, nil
	case "passthrough":
		return PolicyPassthrough, nil
	}
	return PolicyReject, errors.New("unknown missing-certificate policy " + s)
}

// Action is the decision kind returned to the transport.
type Action int

const (
	ActionContinue Action = iota
	ActionReject
	ActionAccept
	ActionReplace
)

// Outcome is a single decision for the transport to relay to the MTA.
// Headers and Body are only set for ActionReplace.
type Outcome struct {
	Action  Action
	Reason  string
	Headers []message.HeaderField
	Body    []byte
}

var (
	outcomeContinue = Outcome{Action: ActionContinue}
	outcomeAccept   = Outcome{Action: ActionAccept}
)

func reject(reason string) Outcome {
	return Outcome{Action: ActionReject, Reason: reason}
}

// Harvester receives a fire-and-forget copy of inbound signed mail.
// Its outcome never influences the SMTP response.
type Harvester interface {
	Harvest(sender string, raw []byte)
}

// Config carries the resolved policy inputs for a session. Forced
// addresses are normalized at construction.
type Config struct {
	Forced             []string
	MaxMessageSize     int64
	MissingCertificate Policy
}

// Session is the per-connection state machine. Events must be
// delivered sequentially; concurrent sessions are fully independent
// and share only the certificate store.
type Session struct {
	store     *certstore.Store
	harvester Harvester
	log       *slog.Logger
	forced    map[string]struct{}
	cfg       Config

	state State
	id    string

	// connection-scoped
	host string
	helo string

	// transaction-scoped
	sender     string
	recipients []string
	headers    []message.HeaderField
	body       bytes.Buffer
}

// New creates a session in the idle state.
func New(cfg Config, store *certstore.Store, harvester Harvester, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	forced := make(map[string]struct{}, len(cfg.Forced))
	for _, addr := range cfg.Forced {
		forced[certstore.Normalize(addr)] = struct{}{}
	}
	return &Session{
		store:     store,
		harvester: harvester,
		log:       logger,
		forced:    forced,
		cfg:       cfg,
		state:     StateIdle,
	}
}

// State returns the current state, exposed for transition tests.
func (s *Session) State() State {
	return s.state
}

// SetQueueID attaches the MTA correlation id for logging.
func (s *Session) SetQueueID(id string) {
	s.id = id
}

// Connect records connection metadata.
func (s *Session) Connect(host string) Outcome {
	if s.state != StateIdle {
		return s.sequenceViolation("connect")
	}
	s.host = host
	s.state = StateConnected
	return outcomeContinue
}

// Helo records the HELO name. An idle session counts as connected:
// the MTA may negotiate away the connect event, and the transport
// starts a fresh session for the message that follows an abort.
func (s *Session) Helo(name string) Outcome {
	if s.state == StateIdle {
		s.state = StateConnected
	}
	if s.state != StateConnected {
		return s.sequenceViolation("helo")
	}
	s.helo = name
	return outcomeContinue
}

// MailFrom starts a new transaction, resetting all transaction-scoped
// state from any previous one on the same connection. Like Helo, it
// performs an implicit connect when the session is still idle.
func (s *Session) MailFrom(addr string) Outcome {
	if s.state == StateIdle {
		s.state = StateConnected
	}
	if s.state != StateConnected {
		return s.sequenceViolation("envelope-from")
	}
	s.resetTransaction()
	s.sender = certstore.Normalize(addr)
	s.state = StateEnvelope
	return outcomeContinue
}

// RcptTo appends an envelope recipient. It never rejects here, even
// for a forced address without a certificate: resolving availability
// lazily at end-of-message keeps RCPT responses from being used to
// probe which addresses have certificates on file.
func (s *Session) RcptTo(addr string) Outcome {
	if s.state != StateEnvelope {
		return s.sequenceViolation("envelope-to")
	}
	s.recipients = append(s.recipients, certstore.Normalize(addr))
	return outcomeContinue
}

// Header appends one header field, preserving order and raw value.
func (s *Session) Header(name, value string) Outcome {
	if s.state != StateEnvelope && s.state != StateHeaders {
		return s.sequenceViolation("header")
	}
	s.state = StateHeaders
	s.headers = append(s.headers, message.HeaderField{Name: name, Value: value})
	return outcomeContinue
}

// HeaderNames returns the header names of the current transaction in
// arrival order. Unlike any transport-side snapshot, this reflects
// exactly the message being decided, not earlier ones on the same
// connection.
func (s *Session) HeaderNames() []string {
	names := make([]string, len(s.headers))
	for i, f := range s.headers {
		names[i] = f.Name
	}
	return names
}

// EndOfHeaders closes the header section. A message without any
// headers cannot be rewritten meaningfully and is rejected.
func (s *Session) EndOfHeaders() Outcome {
	if s.state != StateHeaders {
		if s.state == StateEnvelope {
			return s.failTransaction("message has no headers")
		}
		return s.sequenceViolation("end-of-headers")
	}
	s.state = StateBody
	return outcomeContinue
}

// BodyChunk appends body bytes, enforcing the configured maximum
// message size across chunks.
func (s *Session) BodyChunk(chunk []byte) Outcome {
	if s.state != StateBody {
		return s.sequenceViolation("body-chunk")
	}
	if s.cfg.MaxMessageSize > 0 && int64(s.body.Len())+int64(len(chunk)) > s.cfg.MaxMessageSize {
		s.log.Warn("message exceeds size limit",
			"queue_id", s.id,
			"limit", s.cfg.MaxMessageSize,
		)
		return s.failTransaction("message exceeds maximum size")
	}
	s.body.Write(chunk)
	return outcomeContinue
}

// EndOfMessage computes the final decision from a consistent snapshot
// of the transaction, triggers opportunistic harvesting as a side
// effect, and returns the session to the connected state for the next
// transaction.
func (s *Session) EndOfMessage(ctx context.Context) Outcome {
	if s.state != StateBody {
		return s.sequenceViolation("end-of-message")
	}
	s.state = StateDeciding

	out := s.decide(ctx)

	// Harvesting is fire-and-forget and must never block or alter the
	// response, so it runs on its own goroutine with its own copy of
	// the message.
	if s.harvester != nil && s.sender != "" && s.messageLooksSigned() {
		sender := s.sender
		raw := s.rawMessage()
		harvester := s.harvester
		go harvester.Harvest(sender, raw)
	}

	s.resetTransaction()
	s.state = StateConnected
	return out
}

// Abort discards the current transaction. Safe to call repeatedly.
func (s *Session) Abort() {
	s.resetTransaction()
	if s.state != StateClosed && s.state != StateIdle {
		s.state = StateConnected
	}
}

// Close releases all session state. Safe to call repeatedly; no
// further events are accepted afterward.
func (s *Session) Close() {
	s.resetTransaction()
	s.host = ""
	s.helo = ""
	s.state = StateClosed
}

func (s *Session) decide(ctx context.Context) Outcome {
	if err := ctx.Err(); err != nil {
		return reject("filtering aborted")
	}

	forced := s.forcedRecipients()
	if len(forced) == 0 {
		return outcomeAccept
	}

	certs, missing := s.resolveCertificates(forced)
	if len(missing) > 0 && s.cfg.MissingCertificate == PolicyReject {
		s.log.Info("rejecting message: forced recipient without certificate",
			"queue_id", s.id,
			"missing", missing,
		)
		return reject("encryption required but no certificate is available")
	}
	if len(certs) == 0 {
		// Passthrough policy with nothing to encrypt for.
		s.log.Warn("delivering unencrypted: no usable certificates for forced recipients",
			"queue_id", s.id,
			"missing", missing,
		)
		return outcomeAccept
	}

	entity, err := message.Parse(s.rawMessage())
	if err != nil {
		// Fail closed: never deliver unencrypted because parsing failed.
		s.log.Error("message parse failed", "queue_id", s.id, "error", err)
		return reject("message could not be parsed for encryption")
	}

	der, err := smime.Encrypt(entity, certs)
	if err != nil {
		s.log.Error("encryption failed", "queue_id", s.id, "error", err)
		return reject("message could not be encrypted")
	}

	s.log.Info("replacing message with enveloped-data",
		"queue_id", s.id,
		"recipients", len(certs),
	)
	return Outcome{
		Action:  ActionReplace,
		Headers: smime.ReplacementHeaders(),
		Body:    smime.WrapBody(der),
	}
}

// forcedRecipients intersects the envelope recipients with the
// configured forced set, preserving envelope order and dropping
// duplicates.
func (s *Session) forcedRecipients() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, rcpt := range s.recipients {
		if _, ok := s.forced[rcpt]; !ok {
			continue
		}
		if _, dup := seen[rcpt]; dup {
			continue
		}
		seen[rcpt] = struct{}{}
		out = append(out, rcpt)
	}
	return out
}

// resolveCertificates looks up a certificate per forced recipient,
// keeping input order. Recipients whose certificate is absent or
// unusable are reported in missing.
func (s *Session) resolveCertificates(forced []string) (certs []*x509.Certificate, missing []string) {
	for _, rcpt := range forced {
		rec, err := s.store.Lookup(rcpt)
		if err != nil {
			if !errors.Is(err, certstore.ErrNotFound) {
				s.log.Warn("certificate unusable",
					"queue_id", s.id,
					"address", rcpt,
					"error", err,
				)
			}
			missing = append(missing, rcpt)
			continue
		}
		certs = append(certs, rec.Cert)
	}
	return certs, missing
}

// rawMessage reassembles the buffered transaction into header block
// plus body. The result is a fresh copy, safe to hand to a goroutine.
func (s *Session) rawMessage() []byte {
	var buf bytes.Buffer
	for _, f := range s.headers {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(s.body.Bytes())
	return buf.Bytes()
}

func (s *Session) messageLooksSigned() bool {
	for _, f := range s.headers {
		if strings.EqualFold(f.Name, "Content-Type") {
			return smime.LooksSigned(f.Value)
		}
	}
	return false
}

// sequenceViolation rejects the current transaction when an event
// arrives out of protocol order. The session itself survives and can
// serve the next transaction.
func (s *Session) sequenceViolation(event string) Outcome {
	s.log.Warn("event out of sequence",
		"queue_id", s.id,
		"event", event,
		"state", s.state.String(),
	)
	return s.failTransaction("command out of sequence")
}

func (s *Session) failTransaction(reason string) Outcome {
	s.resetTransaction()
	if s.state != StateClosed && s.state != StateIdle {
		s.state = StateConnected
	}
	return reject(reason)
}

func (s *Session) resetTransaction() {
	s.sender = ""
	s.recipients = nil
	s.headers = nil
	s.body.Reset()
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"nostr-sync/internal/apperr"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
	"nostr-sync/internal/util"
)

// Status is the connection state
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets Status render as a string in JSON
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PublishResult is a relay's answer to an EVENT
type PublishResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

const (
	msgTimeout          = "timeout"
	msgConnectionClosed = "connection closed"
	authRequiredPrefix  = "auth-required:"
)

var errAborted = errors.New("connection aborted")

type subscription struct {
	id      string
	filters []types.Filter
	onEvent func(*types.Event)
	onEose  func()

	eoseFired   bool
	authPending bool
	authRetried bool
}

type connectAttempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

type retryLoop struct {
	stop chan struct{}
}

// Conn is a single relay connection multiplexing many subscriptions.
// Callbacks run on the connection's read goroutine, in the order the relay
// sent the messages; they may call Unsubscribe or Disconnect.
type Conn struct {
	url  string
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	status  Status
	sess    *session
	attempt *connectAttempt
	retry   *retryLoop
	subs    map[string]*subscription
	pending map[string][]chan PublishResult
	signer  nostr.Signer
	nextSub uint64
	// manual is set by Disconnect and cleared by Connect
	manual bool
	closed bool
}

// NewConn creates a disconnected connection; call Connect to dial
func NewConn(url string, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		url:     url,
		opts:    opts,
		log:     opts.Logger.With("relay", url),
		subs:    make(map[string]*subscription),
		pending: make(map[string][]chan PublishResult),
	}
}

func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetAuthSigner configures the signer used to answer AUTH challenges
func (c *Conn) SetAuthSigner(signer nostr.Signer) {
	c.mu.Lock()
	c.signer = signer
	c.mu.Unlock()
}

// Connect dials the relay if needed and waits until the transport is open.
// Concurrent callers share one dial.
func (c *Conn) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Conn) connect(ctx context.Context, explicit bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("relay %s: %w", c.url, apperr.ErrClosed)
	}
	if explicit {
		c.manual = false
	} else if c.manual {
		c.mu.Unlock()
		return errAborted
	}

	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		return nil
	case StatusDisconnected:
		dialCtx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		c.attempt = &connectAttempt{done: make(chan struct{}), cancel: cancel}
		c.status = StatusConnecting
		go c.dial(dialCtx, c.attempt)
	}
	attempt := c.attempt
	c.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) dial(ctx context.Context, attempt *connectAttempt) {
	defer attempt.cancel()

	c.log.Debug("relay dialing")
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	if err == nil && (c.closed || c.manual) {
		ws.Close()
		err = errAborted
	}
	if err != nil {
		attempt.err = fmt.Errorf("relay: connect %s: %w", c.url, err)
		c.attempt = nil
		c.status = StatusDisconnected
		if c.shouldRetryLocked() {
			c.startRetryLocked()
		}
		c.mu.Unlock()
		close(attempt.done)
		c.log.Debug("relay connect failed", "error", err)
		return
	}

	sess := newSession(ws)
	c.sess = sess
	c.status = StatusConnected
	c.attempt = nil
	// The running retry loop, if any, ends after this attempt reports success
	c.retry = nil

	// Resubscribe everything still active
	resubscribed := 0
	for _, sub := range c.subs {
		sub.authPending = false
		if frame, err := nostr.EncodeReq(sub.id, sub.filters); err == nil {
			sess.enqueue(frame)
			resubscribed++
		}
	}
	c.mu.Unlock()

	go sess.writeLoop()
	go c.readLoop(sess)
	close(attempt.done)

	c.log.Info("relay connected", "resubscribed", resubscribed)
}

func (c *Conn) shouldRetryLocked() bool {
	return c.opts.AutoReconnect && !c.manual && !c.closed && c.retry == nil
}

func (c *Conn) startRetryLocked() {
	loop := &retryLoop{stop: make(chan struct{})}
	c.retry = loop
	go c.runRetry(loop)
}

func (c *Conn) runRetry(loop *retryLoop) {
	defer func() {
		c.mu.Lock()
		if c.retry == loop {
			c.retry = nil
		}
		c.mu.Unlock()
	}()

	policy := c.opts.Backoff.policy()
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.log.Warn("relay reconnect giving up", "attempts", attempt-1)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-loop.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.retry != loop || c.manual || c.closed || c.status == StatusConnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.log.Debug("relay reconnecting", "attempt", attempt, "delay", delay)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.connect(ctx, false)
		cancel()
		if err == nil || errors.Is(err, errAborted) || errors.Is(err, apperr.ErrClosed) {
			return
		}
	}
}

// readLoop continuously reads from the session and routes messages
func (c *Conn) readLoop(sess *session) {
	defer c.sessionLost(sess)

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if !sess.isClosed() {
				c.log.Info("relay read error", "error", err)
			}
			return
		}

		msg, err := nostr.ParseMessage(data)
		if err != nil {
			c.log.Debug("relay sent malformed message", "error", err)
			continue
		}
		c.dispatch(sess, msg)
	}
}

func (c *Conn) dispatch(sess *session, msg *nostr.Message) {
	switch msg.Label {
	case nostr.LabelEvent:
		c.mu.Lock()
		sub := c.subs[msg.SubID]
		current := c.sess == sess
		c.mu.Unlock()
		if sub == nil || !current {
			return
		}
		evt := msg.Event
		if !nostr.MatchesAny(sub.filters, evt) {
			c.log.Debug("relay event does not match filters", "sub_id", sub.id, "event_id", util.ShortID(evt.ID))
			return
		}
		if !c.opts.Verifier(evt) {
			c.log.Debug("relay event failed verification", "sub_id", sub.id, "event_id", util.ShortID(evt.ID))
			return
		}
		evt.RelaysSeen = []string{c.url}
		sub.onEvent(evt)

	case nostr.LabelEOSE:
		c.mu.Lock()
		sub := c.subs[msg.SubID]
		fire := sub != nil && !sub.eoseFired
		if fire {
			sub.eoseFired = true
		}
		c.mu.Unlock()
		if fire && sub.onEose != nil {
			sub.onEose()
		}

	case nostr.LabelOK:
		c.mu.Lock()
		if sess.authing && sess.authID == msg.EventID {
			c.finishAuthLocked(sess, msg.OK, msg.Text)
			c.mu.Unlock()
			return
		}
		waiters := c.pending[msg.EventID]
		delete(c.pending, msg.EventID)
		c.mu.Unlock()

		result := PublishResult{Accepted: msg.OK, Message: msg.Text}
		for _, ch := range waiters {
			ch <- result
		}

	case nostr.LabelNotice:
		c.log.Info("relay notice", "notice", msg.Text)

	case nostr.LabelAuth:
		c.handleChallenge(sess, msg.Text)

	case nostr.LabelClosed:
		c.mu.Lock()
		defer c.mu.Unlock()
		sub := c.subs[msg.SubID]
		if sub == nil {
			return
		}
		if strings.HasPrefix(msg.Text, authRequiredPrefix) && c.signer != nil && !sub.authRetried {
			if !sess.authed {
				// Reissued once the handshake completes
				sub.authPending = true
				return
			}
			// Already authenticated on this session: reissue once
			sub.authRetried = true
			if frame, err := nostr.EncodeReq(sub.id, sub.filters); err == nil {
				c.sendLocked(frame)
			}
			return
		}
		delete(c.subs, msg.SubID)
		c.log.Info("relay closed subscription", "sub_id", msg.SubID, "reason", msg.Text)
	}
}

// handleChallenge answers a NIP-42 challenge. Writes issued until the relay
// acknowledges (or the auth timeout fires) are held and sent afterwards.
func (c *Conn) handleChallenge(sess *session, challenge string) {
	c.mu.Lock()
	signer := c.signer
	if signer == nil || c.sess != sess || sess.authing {
		c.mu.Unlock()
		if signer == nil {
			c.log.Debug("relay auth challenge ignored, no signer")
		}
		return
	}
	sess.authing = true
	c.mu.Unlock()

	evt := nostr.NewAuthEvent(c.url, challenge)
	err := signer.SignEvent(evt)
	var frame []byte
	if err == nil {
		frame, err = nostr.EncodeAuth(evt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("relay auth signing failed", "error", err)
		c.finishAuthLocked(sess, false, err.Error())
		return
	}
	if !sess.authing {
		return
	}
	sess.authID = evt.ID
	sess.authTimer = time.AfterFunc(c.opts.AuthTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sess.authing && sess.authID == evt.ID {
			c.finishAuthLocked(sess, false, msgTimeout)
		}
	})
	sess.enqueueFront(frame)
	c.log.Debug("relay auth sent", "event_id", util.ShortID(evt.ID))
}

func (c *Conn) finishAuthLocked(sess *session, ok bool, message string) {
	sess.authing = false
	sess.authed = ok
	sess.authID = ""
	if sess.authTimer != nil {
		sess.authTimer.Stop()
		sess.authTimer = nil
	}
	if ok {
		c.log.Info("relay authenticated")
	} else {
		c.log.Warn("relay auth rejected", "message", message)
	}

	for _, sub := range c.subs {
		if !sub.authPending {
			continue
		}
		sub.authPending = false
		sub.authRetried = true
		if frame, err := nostr.EncodeReq(sub.id, sub.filters); err == nil {
			sess.enqueue(frame)
		}
	}

	held := sess.held
	sess.held = nil
	if c.sess != sess {
		return
	}
	for _, frame := range held {
		sess.enqueue(frame)
	}
}

// sendLocked queues a frame on the live session. Frames are held while an
// auth handshake is in flight. Returns false when there is no session.
func (c *Conn) sendLocked(frame []byte) bool {
	sess := c.sess
	if sess == nil || c.status != StatusConnected {
		return false
	}
	if sess.authing {
		sess.held = append(sess.held, frame)
		return true
	}
	sess.enqueue(frame)
	return true
}

// sessionLost runs when the read loop exits
func (c *Conn) sessionLost(sess *session) {
	sess.close()

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	waiters := c.detachLocked(sess)
	retry := c.shouldRetryLocked()
	if retry {
		c.startRetryLocked()
	}
	c.mu.Unlock()

	failPending(waiters)
	c.log.Info("relay disconnected", "reconnect", retry)
}

// detachLocked drops the current session and returns the publish waiters it owned
func (c *Conn) detachLocked(sess *session) map[string][]chan PublishResult {
	if sess.authTimer != nil {
		sess.authTimer.Stop()
		sess.authTimer = nil
	}
	sess.authing = false
	sess.held = nil

	c.sess = nil
	c.status = StatusDisconnected
	waiters := c.pending
	c.pending = make(map[string][]chan PublishResult)
	for _, sub := range c.subs {
		sub.authPending = false
	}
	return waiters
}

func failPending(waiters map[string][]chan PublishResult) {
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- PublishResult{Accepted: false, Message: msgConnectionClosed}
		}
	}
}

// Subscribe registers a subscription and sends REQ if connected. While
// disconnected the REQ goes out on the next successful connect. onEose fires
// at most once for the subscription's lifetime.
func (c *Conn) Subscribe(filters []types.Filter, onEvent func(*types.Event), onEose func()) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := "sub-" + strconv.FormatUint(c.nextSub, 10)
	if c.closed {
		return id
	}
	c.subs[id] = &subscription{
		id:      id,
		filters: filters,
		onEvent: onEvent,
		onEose:  onEose,
	}
	if frame, err := nostr.EncodeReq(id, filters); err == nil {
		c.sendLocked(frame)
	}
	return id
}

// Unsubscribe sends CLOSE and forgets the subscription. Unknown ids are ignored.
func (c *Conn) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[subID]; !ok {
		return
	}
	delete(c.subs, subID)
	if frame, err := nostr.EncodeClose(subID); err == nil {
		c.sendLocked(frame)
	}
}

// Subscriptions returns the number of active subscriptions
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish sends EVENT and waits for the relay's OK. It connects first if
// needed and always returns within the publish timeout.
func (c *Conn) Publish(ctx context.Context, evt *types.Event) PublishResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return PublishResult{Accepted: false, Message: msgTimeout}
		}
		return PublishResult{Accepted: false, Message: "connection failed: " + err.Error()}
	}

	frame, err := nostr.EncodeEvent(evt)
	if err != nil {
		return PublishResult{Accepted: false, Message: "invalid: " + err.Error()}
	}

	ch := make(chan PublishResult, 1)
	c.mu.Lock()
	if !c.sendLocked(frame) {
		c.mu.Unlock()
		return PublishResult{Accepted: false, Message: msgConnectionClosed}
	}
	c.pending[evt.ID] = append(c.pending[evt.ID], ch)
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		c.removeWaiter(evt.ID, ch)
		return PublishResult{Accepted: false, Message: msgTimeout}
	}
}

func (c *Conn) removeWaiter(eventID string, ch chan PublishResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[eventID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, eventID)
	} else {
		c.pending[eventID] = waiters
	}
}

// Disconnect closes the transport and fails pending publishes. Subscriptions
// are kept and reissued by the next Connect; no automatic reconnect happens
// until then.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.retry != nil {
		close(c.retry.stop)
		c.retry = nil
	}
	if c.attempt != nil {
		c.attempt.cancel()
	}
	sess := c.sess
	var waiters map[string][]chan PublishResult
	if sess != nil {
		waiters = c.detachLocked(sess)
	}
	c.mu.Unlock()

	if sess != nil {
		sess.close()
		c.log.Info("relay disconnected by caller")
	}
	failPending(waiters)
}

// Close disconnects and discards all subscriptions. A closed Conn cannot reconnect.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	c.Disconnect()
}

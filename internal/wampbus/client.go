package wampbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/transport"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
)

// Client is the production Bus: a nexus WAMP session with automatic
// reconnection. Registrations and subscriptions recorded through the Bus
// interface are replayed on every new broker session, so a broker restart is
// invisible to the rest of the process (aside from in-flight calls failing).
type Client struct {
	cfg    config.WAMPConfig
	logger *log.Logger

	mu            sync.Mutex
	session       *client.Client
	registrations map[string]CallHandler
	subscriptions map[string]EventHandler
	onConnect     []func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client for the broker named in cfg. Nothing connects
// until Run is called.
func NewClient(cfg config.WAMPConfig) *Client {
	return &Client{
		cfg:           cfg,
		logger:        log.New(os.Stderr, "[wampbus] ", log.LstdFlags),
		registrations: make(map[string]CallHandler),
		subscriptions: make(map[string]EventHandler),
		closed:        make(chan struct{}),
	}
}

// OnConnect adds a callback invoked after every successful (re)connection,
// once registrations and subscriptions have been replayed. Conductor and
// agent use it to re-announce themselves.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Run drives the connection loop with exponential backoff. It blocks until
// ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	for {
		session, err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			if err = c.attach(session); err != nil {
				session.Close()
			}
		}
		if err != nil {
			c.logger.Printf("broker %s unavailable: %v", c.cfg.TransportURL, err)
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}

		c.logger.Printf("connected to broker %s realm %s", c.cfg.TransportURL, c.cfg.Realm)
		select {
		case <-session.Done():
			c.detach()
			c.logger.Printf("broker session lost, reconnecting")
		case <-ctx.Done():
			c.detach()
			session.Close()
			return
		case <-c.closed:
			c.detach()
			session.Close()
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) (*client.Client, error) {
	nexusCfg := client.Config{
		Realm:           c.cfg.Realm,
		Logger:          c.logger,
		ResponseTimeout: c.cfg.CallTimeout.Std(),
		WsCfg: transport.WebsocketConfig{
			KeepAlive: c.cfg.AutoPingInterval.Std(),
		},
	}
	if strings.HasPrefix(c.cfg.TransportURL, "wss://") && c.cfg.SkipCertVerify {
		nexusCfg.TlsCfg = &tls.Config{InsecureSkipVerify: true}
	}
	return client.ConnectNet(ctx, c.cfg.TransportURL, nexusCfg)
}

// attach installs the new session and replays registrations/subscriptions.
func (c *Client) attach(session *client.Client) error {
	c.mu.Lock()
	c.session = session
	registrations := make(map[string]CallHandler, len(c.registrations))
	for proc, h := range c.registrations {
		registrations[proc] = h
	}
	subscriptions := make(map[string]EventHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subscriptions[topic] = h
	}
	callbacks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for proc, h := range registrations {
		if err := session.Register(proc, invocationHandler(h), nil); err != nil {
			return fmt.Errorf("register %s: %w", proc, err)
		}
	}
	for topic, h := range subscriptions {
		if err := session.Subscribe(topic, eventHandler(h), nil); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (c *Client) detach() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) current() *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Call implements Bus.
func (c *Client) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (Message, error) {
	session := c.current()
	if session == nil {
		return Message{}, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout.Std())
	defer cancel()

	result, err := session.Call(ctx, procedure, nil, wamp.List(args), wamp.Dict(kwargs), nil)
	if err != nil {
		return Message{}, fmt.Errorf("call %s: %w", procedure, err)
	}
	if len(result.Arguments) == 0 {
		return Success(nil), nil
	}
	return Decode(result.Arguments[0])
}

// Register implements Bus. The handler is installed on the live session (if
// any) and replayed after reconnects.
func (c *Client) Register(procedure string, handler CallHandler) error {
	c.mu.Lock()
	c.registrations[procedure] = handler
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Register(procedure, invocationHandler(handler), nil); err != nil {
		return fmt.Errorf("register %s: %w", procedure, err)
	}
	return nil
}

// Subscribe implements Bus.
func (c *Client) Subscribe(topic string, handler EventHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Subscribe(topic, eventHandler(handler), nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// SessionIDs implements Bus via the broker's session meta API.
func (c *Client) SessionIDs(ctx context.Context) ([]string, error) {
	session := c.current()
	if session == nil {
		return nil, ErrNotConnected
	}
	result, err := session.Call(ctx, ProcSessionList, nil, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", ProcSessionList, err)
	}
	if len(result.Arguments) == 0 {
		return nil, nil
	}
	raw, ok := result.Arguments[0].([]any)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected payload %T", ProcSessionList, result.Arguments[0])
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, fmt.Sprintf("%v", v))
	}
	return ids, nil
}

// Connected implements Bus.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// Close implements Bus.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func invocationHandler(h CallHandler) client.InvocationHandler {
	return func(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
		msg, err := h(ctx, []any(inv.Arguments), map[string]any(inv.ArgumentsKw))
		if err != nil {
			return client.InvokeResult{
				Err:  wamp.URI("iotronic.error"),
				Args: wamp.List{err.Error()},
			}
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return client.InvokeResult{
				Err:  wamp.URI("iotronic.error"),
				Args: wamp.List{fmt.Sprintf("encode response: %v", err)},
			}
		}
		return client.InvokeResult{Args: wamp.List{string(data)}}
	}
}

func eventHandler(h EventHandler) client.EventHandler {
	return func(event *wamp.Event) {
		h([]any(event.Arguments), map[string]any(event.ArgumentsKw))
	}
}

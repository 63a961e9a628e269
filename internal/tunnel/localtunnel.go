package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHost is the public localtunnel server.
const DefaultHost = "https://localtunnel.me"

// localDialRetry is how long a worker waits before retrying a local port
// that refused the connection.
const localDialRetry = time.Second

// LocalTunnel opens relays on a localtunnel server. The server hands out a
// public URL and a TCP port; the client keeps a pool of connections to that
// port, each piped to the local game server.
type LocalTunnel struct {
	// Host is the localtunnel server, DefaultHost when empty.
	Host string
	// LocalHost is where the game server listens, 127.0.0.1 when empty.
	LocalHost string
	Client    *http.Client
}

// assignment is the server's answer to a new tunnel request.
type assignment struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// Open implements Opener.
func (lt *LocalTunnel) Open(ctx context.Context, port int) (Relay, error) {
	host := lt.Host
	if host == "" {
		host = DefaultHost
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse tunnel host: %w", err)
	}

	a, err := lt.request(ctx, base)
	if err != nil {
		return nil, err
	}

	local := lt.LocalHost
	if local == "" {
		local = "127.0.0.1"
	}
	r := &localRelay{
		url:     a.URL,
		remote:  net.JoinHostPort(base.Hostname(), strconv.Itoa(a.Port)),
		local:   net.JoinHostPort(local, strconv.Itoa(port)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	var relayBase context.Context
	relayBase, r.cancel = context.WithCancel(context.Background())
	r.group, r.ctx = errgroup.WithContext(relayBase)

	// The first connection proves the relay port is reachable.
	conn, err := r.dialRemote(ctx)
	if err != nil {
		r.cancel()
		return nil, fmt.Errorf("connect to relay %s: %w", r.remote, err)
	}

	n := a.MaxConnCount
	if n < 1 {
		n = 1
	}
	log.Printf("tunnel: relay %s assigned %s (%d connections)", a.ID, a.URL, n)
	r.group.Go(func() error { return r.worker(conn) })
	for i := 1; i < n; i++ {
		r.group.Go(func() error { return r.worker(nil) })
	}
	go r.run()
	return r, nil
}

func (lt *LocalTunnel) request(ctx context.Context, base *url.URL) (*assignment, error) {
	u := *base
	u.Path = "/"
	u.RawQuery = "new"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := lt.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request tunnel: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read tunnel response: %w", err)
	}
	var a assignment
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode tunnel response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || a.URL == "" || a.Port == 0 {
		if a.Message != "" {
			return nil, fmt.Errorf("tunnel server: %s", a.Message)
		}
		return nil, fmt.Errorf("tunnel server returned status %d", resp.StatusCode)
	}
	return &a, nil
}

// localRelay is one open localtunnel.
type localRelay struct {
	url    string
	remote string
	local  string

	// ctx is cancelled when the relay is closed or any worker fails.
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
	err     error
}

func (r *localRelay) URL() string           { return r.url }
func (r *localRelay) Done() <-chan struct{} { return r.done }

func (r *localRelay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close stops every worker and waits for them to exit.
func (r *localRelay) Close() error {
	r.fail(nil)
	<-r.stopped
	return nil
}

// run waits for the workers. The first worker error kills the relay.
func (r *localRelay) run() {
	defer close(r.stopped)
	r.fail(r.group.Wait())
}

// fail marks the relay dead. The first call wins.
func (r *localRelay) fail(err error) {
	r.once.Do(func() {
		r.err = err
		r.cancel()
		close(r.done)
	})
}

func (r *localRelay) dialRemote(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", r.remote)
}

// worker keeps one relay connection piped to the local server. A relay
// connection that cannot be re-established kills the whole relay.
func (r *localRelay) worker(conn net.Conn) error {
	for {
		if conn == nil {
			var err error
			conn, err = r.dialRemote(r.ctx)
			if err != nil {
				if r.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay connection lost: %w", err)
			}
		}

		r.serve(conn)
		conn = nil
		if r.ctx.Err() != nil {
			return nil
		}
	}
}

// serve pipes one relay connection to a fresh local connection until
// either side closes.
func (r *localRelay) serve(remote net.Conn) {
	stop := context.AfterFunc(r.ctx, func() { remote.Close() })
	defer stop()
	defer remote.Close()

	var local net.Conn
	for {
		var d net.Dialer
		var err error
		local, err = d.DialContext(r.ctx, "tcp", r.local)
		if err == nil {
			break
		}
		if r.ctx.Err() != nil {
			return
		}
		log.Printf("tunnel: local server %s unreachable: %v", r.local, err)
		select {
		case <-time.After(localDialRetry):
		case <-r.ctx.Done():
			return
		}
	}
	defer local.Close()

	copied := make(chan struct{}, 2)
	go func() {
		io.Copy(local, remote)
		copied <- struct{}{}
	}()
	go func() {
		io.Copy(remote, local)
		copied <- struct{}{}
	}()
	<-copied
	// Closing both ends releases the other copy.
	remote.Close()
	local.Close()
	<-copied
}

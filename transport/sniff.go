package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Sniffer discovers the current node list of the cluster through one of its
// connections.
type Sniffer interface {
	Sniff(ctx context.Context, conn Connection) ([]Node, error)
}

// SniffConfig controls when the Transport refreshes its node list.
type SniffConfig struct {
	// OnStart sniffs once inside New.
	OnStart bool

	// OnConnectionFail sniffs whenever a node is marked dead.
	OnConnectionFail bool

	// Interval sniffs before a call when the last sniff is older than this.
	// Zero disables periodic sniffing.
	Interval time.Duration

	// Timeout bounds one discovery round.
	//
	// Default: 2s
	Timeout time.Duration
}

// ErrNoNodesDiscovered is returned when no connection produced a node list.
var ErrNoNodesDiscovered = errors.New("sniff: no nodes discovered")

// NodesInfoSniffer reads the "_nodes" API: every node advertising an HTTP
// publish address and not being a dedicated master becomes a Node. The
// discovered nodes copy scheme, prefix, headers and TLS settings from the
// node that answered.
type NodesInfoSniffer struct {
	// Path of the nodes info endpoint.
	//
	// Default: "/_nodes/_all/http"
	Path string
}

type nodesInfo struct {
	Nodes map[string]struct {
		Roles []string `json:"roles"`
		HTTP  struct {
			PublishAddress string `json:"publish_address"`
		} `json:"http"`
	} `json:"nodes"`
}

// Sniff implements Sniffer.
func (s NodesInfoSniffer) Sniff(ctx context.Context, conn Connection) ([]Node, error) {
	path := s.Path
	if path == "" {
		path = "/_nodes/_all/http"
	}

	raw, err := conn.PerformRequest(ctx, &Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}

	var info nodesInfo
	if err := json.Unmarshal(raw.Body, &info); err != nil {
		return nil, &SerializationError{Err: fmt.Errorf("decode nodes info: %w", err)}
	}

	ids := make([]string, 0, len(info.Nodes))
	for id := range info.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	template := conn.Node()
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		n := info.Nodes[id]
		if n.HTTP.PublishAddress == "" {
			continue
		}
		if len(n.Roles) == 1 && n.Roles[0] == "master" {
			continue
		}
		host, port, err := parsePublishAddress(n.HTTP.PublishAddress)
		if err != nil {
			return nil, err
		}
		node := template
		node.Host = host
		node.Port = port
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// parsePublishAddress parses "ip:port" or "hostname/ip:port", preferring
// the hostname.
func parsePublishAddress(addr string) (string, int, error) {
	hostname := ""
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		hostname, addr = addr[:i], addr[i+1:]
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("publish address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("publish address %q: %w", addr, err)
	}
	if hostname != "" {
		host = hostname
	}
	return host, port, nil
}

// Sniff refreshes the node list now. Concurrent calls share one round.
func (t *Transport) Sniff(ctx context.Context) error {
	if t.cfg.sniffer == nil {
		return nil
	}

	timeout := t.cfg.sniffConfig.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	_, err, _ := t.shared.sniffGroup.Do("sniff", func() (interface{}, error) {
		// One caller's cancellation must not fail the others sharing this round.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return nil, t.sniffOnce(sctx)
	})
	return err
}

func (t *Transport) sniffOnce(ctx context.Context) error {
	defer t.shared.lastSniff.Store(t.cfg.now().UnixNano())

	var errs []error
	for _, conn := range t.pool.Connections() {
		nodes, err := t.cfg.sniffer.Sniff(ctx, conn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(nodes) == 0 {
			continue
		}
		if err := t.pool.Reconcile(nodes); err != nil {
			t.cfg.Metrics.recordSniff(ctx, "error")
			return err
		}
		t.cfg.Logger.Info().Int("nodes", len(nodes)).Msg("sniffed nodes")
		t.cfg.Metrics.recordSniff(ctx, "success")
		return nil
	}

	t.cfg.Metrics.recordSniff(ctx, "error")
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrNoNodesDiscovered, errors.Join(errs...))
	}
	return ErrNoNodesDiscovered
}

// sniffQuietly sniffs and logs, never failing the caller.
func (t *Transport) sniffQuietly(ctx context.Context, reason string) {
	if err := t.Sniff(ctx); err != nil {
		t.cfg.Logger.Warn().Err(err).Str("reason", reason).Msg("sniff failed")
	}
}

// sniffDue reports whether the periodic sniff interval elapsed.
func (t *Transport) sniffDue() bool {
	iv := t.cfg.sniffConfig.Interval
	if t.cfg.sniffer == nil || iv <= 0 {
		return false
	}
	last := t.shared.lastSniff.Load()
	return t.cfg.now().UnixNano()-last >= iv.Nanoseconds()
}

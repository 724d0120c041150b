package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Configuration keys read by LoadConfig.
const (
	KeyNodes                 = "nodes"
	KeyMaxRetries            = "max_retries"
	KeyRetryOnStatus         = "retry_on_status"
	KeyRetryOnTimeout        = "retry_on_timeout"
	KeyRequestTimeout        = "request_timeout"
	KeyHTTPCompress          = "http_compress"
	KeyDeadTimeout           = "dead_timeout"
	KeyMaxDeadTimeout        = "max_dead_timeout"
	KeyMaxIdleConnsPerHost   = "max_idle_conns_per_host"
	KeyUserAgent             = "user_agent"
	KeyHeaders               = "headers"
	KeySniffOnStart          = "sniff_on_start"
	KeySniffOnConnectionFail = "sniff_on_connection_fail"
	KeySniffInterval         = "sniff_interval"
	KeySniffTimeout          = "sniff_timeout"
)

// SetConfigDefaults registers the defaults of every key on v.
func SetConfigDefaults(v *viper.Viper) {
	hc := DefaultConfig()
	v.SetDefault(KeyMaxRetries, DefaultMaxRetries)
	v.SetDefault(KeyRetryOnStatus, DefaultRetryOnStatus())
	v.SetDefault(KeyRetryOnTimeout, false)
	v.SetDefault(KeyRequestTimeout, hc.Timeout)
	v.SetDefault(KeyHTTPCompress, false)
	v.SetDefault(KeyDeadTimeout, DefaultDeadTimeout)
	v.SetDefault(KeyMaxDeadTimeout, DefaultMaxDeadTimeout)
	v.SetDefault(KeyMaxIdleConnsPerHost, hc.MaxIdleConnsPerHost)
}

// LoadConfig converts the keys of v into Options. Durations are either
// duration strings ("1.5s") or numbers of seconds. Lists may be YAML
// sequences or comma separated strings, as environment variables are.
// Each entry of nodes is a bare address or a descriptor map, see DecodeNode.
//
// Example:
//
//	v := viper.New()
//	v.SetConfigFile("config.yaml")
//	v.SetEnvPrefix("SEARCH")
//	v.AutomaticEnv()
//	transport.SetConfigDefaults(v)
//	if err := v.ReadInConfig(); err != nil {
//	    return err
//	}
//
//	opts, err := transport.LoadConfig(v)
//	if err != nil {
//	    return err
//	}
//	tr, err := transport.New(append(opts, transport.WithLogger(log.Logger))...)
func LoadConfig(v *viper.Viper) ([]Option, error) {
	var opts []Option

	nodes, err := nodeList(v.Get(KeyNodes))
	if err != nil {
		return nil, err
	}
	if len(nodes) > 0 {
		opts = append(opts, WithNodeConfigs(nodes...))
	}

	if v.IsSet(KeyMaxRetries) {
		n, err := cast.ToIntE(v.Get(KeyMaxRetries))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyMaxRetries, err)
		}
		opts = append(opts, WithMaxRetries(n))
	}

	if v.IsSet(KeyRetryOnStatus) {
		statuses, err := toStatusList(v.Get(KeyRetryOnStatus))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyRetryOnStatus, err)
		}
		opts = append(opts, WithRetryOnStatus(statuses...))
	}

	if v.IsSet(KeyRetryOnTimeout) {
		b, err := cast.ToBoolE(v.Get(KeyRetryOnTimeout))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyRetryOnTimeout, err)
		}
		opts = append(opts, WithRetryOnTimeout(b))
	}

	if v.IsSet(KeyHTTPCompress) {
		b, err := cast.ToBoolE(v.Get(KeyHTTPCompress))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyHTTPCompress, err)
		}
		opts = append(opts, WithHTTPCompress(b))
	}

	hc := DefaultConfig()
	if v.IsSet(KeyRequestTimeout) {
		if hc.Timeout, err = configDuration(v, KeyRequestTimeout); err != nil {
			return nil, err
		}
	}
	if v.IsSet(KeyMaxIdleConnsPerHost) {
		if hc.MaxIdleConnsPerHost, err = cast.ToIntE(v.Get(KeyMaxIdleConnsPerHost)); err != nil {
			return nil, fmt.Errorf("%s: %w", KeyMaxIdleConnsPerHost, err)
		}
	}
	opts = append(opts, WithHTTPConfig(hc))

	var dead, maxDead time.Duration
	if v.IsSet(KeyDeadTimeout) {
		if dead, err = configDuration(v, KeyDeadTimeout); err != nil {
			return nil, err
		}
	}
	if v.IsSet(KeyMaxDeadTimeout) {
		if maxDead, err = configDuration(v, KeyMaxDeadTimeout); err != nil {
			return nil, err
		}
	}
	if dead > 0 || maxDead > 0 {
		opts = append(opts, WithDeadTimeout(dead, maxDead))
	}

	if ua := v.GetString(KeyUserAgent); ua != "" {
		opts = append(opts, WithUserAgent(ua))
	}

	if v.IsSet(KeyHeaders) {
		m, err := cast.ToStringMapStringE(v.Get(KeyHeaders))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyHeaders, err)
		}
		h := http.Header{}
		for k, val := range m {
			h.Set(k, val)
		}
		opts = append(opts, WithHeaders(h))
	}

	sniffOpt, err := loadSniffConfig(v)
	if err != nil {
		return nil, err
	}
	if sniffOpt != nil {
		opts = append(opts, sniffOpt)
	}

	return opts, nil
}

// loadSniffConfig enables NodesInfoSniffer when any sniff key is set.
func loadSniffConfig(v *viper.Viper) (Option, error) {
	var (
		sc      SniffConfig
		enabled bool
		err     error
	)

	if v.IsSet(KeySniffOnStart) {
		if sc.OnStart, err = cast.ToBoolE(v.Get(KeySniffOnStart)); err != nil {
			return nil, fmt.Errorf("%s: %w", KeySniffOnStart, err)
		}
		enabled = enabled || sc.OnStart
	}
	if v.IsSet(KeySniffOnConnectionFail) {
		if sc.OnConnectionFail, err = cast.ToBoolE(v.Get(KeySniffOnConnectionFail)); err != nil {
			return nil, fmt.Errorf("%s: %w", KeySniffOnConnectionFail, err)
		}
		enabled = enabled || sc.OnConnectionFail
	}
	if v.IsSet(KeySniffInterval) {
		if sc.Interval, err = configDuration(v, KeySniffInterval); err != nil {
			return nil, err
		}
		enabled = enabled || sc.Interval > 0
	}
	if v.IsSet(KeySniffTimeout) {
		if sc.Timeout, err = configDuration(v, KeySniffTimeout); err != nil {
			return nil, err
		}
	}

	if !enabled {
		return nil, nil
	}
	return WithSniffer(NodesInfoSniffer{}, sc), nil
}

// configDuration reads key as a duration; bare numbers are seconds.
func configDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := toTimeout(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// nodeList decodes the nodes key: a comma separated string, or a sequence
// mixing bare addresses and structured descriptors.
func nodeList(raw any) ([]Node, error) {
	var entries []any
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case string:
		for _, a := range splitList(x) {
			entries = append(entries, a)
		}
	case []any:
		entries = x
	case []string:
		for _, a := range x {
			entries = append(entries, a)
		}
	default:
		return nil, fmt.Errorf("%s: expected a list, got %T", KeyNodes, raw)
	}

	nodes := make([]Node, 0, len(entries))
	for i, e := range entries {
		n, err := DecodeNode(e)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", KeyNodes, i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// splitList splits a comma separated string, dropping empty parts.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

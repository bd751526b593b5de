// Package presence maintains the in-memory registry of known gateway nodes:
// connected clients, explicitly reported nodes, and the gateway's own
// self-entry. Entries age out after a TTL; the registry caps its size by
// evicting the oldest entries. Every externally visible mutation bumps a
// monotonic version counter that is broadcast alongside presence events.
package presence

import (
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for TTL and size cap.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 256
)

// Entry is one known node. TS is the last-seen timestamp in milliseconds.
type Entry struct {
	Host             string   `json:"host,omitempty"`
	IP               string   `json:"ip,omitempty"`
	Version          string   `json:"version,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	LastInputSeconds *int     `json:"lastInputSeconds,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Text             string   `json:"text,omitempty"`
	TS               int64    `json:"ts"`
	InstanceID       string   `json:"instanceId,omitempty"`
}

// ConnectInfo is what the registry needs to synthesize an entry from a
// completed handshake.
type ConnectInfo struct {
	ConnID     string
	InstanceID string
	Name       string
	Version    string
	Platform   string
	Mode       string
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	AppVersion string // reported on the self-entry
	Hostname   string // defaults to os.Hostname()
	Now        func() time.Time
}

// Registry is a thread-safe TTL map of presence entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	version int64

	ttl        time.Duration
	maxEntries int
	selfKey    string
	appVersion string
	now        func() time.Time
}

// NewRegistry creates a Registry with a self-entry key derived from the
// lowercase hostname.
func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			opts.Hostname = h
		} else {
			opts.Hostname = "localhost"
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:    make(map[string]*Entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		selfKey:    strings.ToLower(opts.Hostname),
		appVersion: opts.AppVersion,
		now:        opts.Now,
	}
}

// TouchConnect synthesizes (or refreshes) an entry for a freshly completed
// handshake and returns the key under which it is tracked. The key is the
// client's instanceId when supplied, else its connection id.
func (r *Registry) TouchConnect(info ConnectInfo) string {
	key := info.InstanceID
	if key == "" {
		key = info.ConnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key] = &Entry{
		Host:       info.Name,
		Version:    info.Version,
		Mode:       info.Mode,
		Reason:     "connect",
		TS:         r.now().UnixMilli(),
		InstanceID: info.InstanceID,
	}
	r.version++
	return key
}

// MarkDisconnected flips an entry's reason to "disconnect" and refreshes its
// timestamp. The entry itself persists until the TTL removes it.
func (r *Registry) MarkDisconnected(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.Reason = "disconnect"
	e.TS = r.now().UnixMilli()
	r.version++
}

// nodeTextPattern matches the structured form of a system-event text:
//
//	Node: <host> (<ip>) · app <ver> · last input <n>s ago · mode <m> · reason <r>
var nodeTextPattern = regexp.MustCompile(
	`^Node: (.+?) \((.+?)\) · app (.+?) · last input (\d+)s ago · mode (.+?) · reason (.+)$`)

// RecordSystemEvent appends or refreshes an entry from a free-form system
// event text. Structured node texts are parsed into fields; anything else is
// preserved whole in Text.
func (r *Registry) RecordSystemEvent(text string) {
	e := parseNodeText(text)
	e.TS = r.now().UnixMilli()

	key := e.Host
	if key == "" {
		key = "event:" + text
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(key)] = e
	r.version++
}

func parseNodeText(text string) *Entry {
	m := nodeTextPattern.FindStringSubmatch(text)
	if m == nil {
		return &Entry{Text: text}
	}
	secs, err := strconv.Atoi(m[4])
	if err != nil {
		return &Entry{Text: text}
	}
	return &Entry{
		Host:             m[1],
		IP:               m[2],
		Version:          m[3],
		LastInputSeconds: &secs,
		Mode:             m[5],
		Reason:           m[6],
	}
}

// List returns the current presence list sorted by TS descending. The read is
// deliberately impure: expired entries are pruned, the size cap is enforced
// by evicting oldest-by-TS, and the self-entry is re-touched so it is always
// present and fresh. The returned entries are stable copies.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Refresh self before pruning so it can never age out.
	r.entries[r.selfKey] = &Entry{
		Host:    r.selfKey,
		Version: r.appVersion,
		Mode:    "backend",
		Reason:  "self",
		TS:      now.UnixMilli(),
	}

	cutoff := now.Add(-r.ttl).UnixMilli()
	for key, e := range r.entries {
		if e.TS < cutoff {
			delete(r.entries, key)
		}
	}

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.entries[keys[i]].TS > r.entries[keys[j]].TS
	})

	// Evict oldest over the cap.
	for len(keys) > r.maxEntries {
		last := keys[len(keys)-1]
		delete(r.entries, last)
		keys = keys[:len(keys)-1]
	}

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, *r.entries[key])
	}
	return out
}

// Version returns the monotonic presence version counter.
func (r *Registry) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

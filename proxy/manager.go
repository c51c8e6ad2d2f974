package proxy

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"listing-aggregator/utils"
)

// ErrAllProxiesBlocked is returned once every configured proxy has been
// blocked. It is terminal for the scraper that receives it.
var ErrAllProxiesBlocked = errors.New("proxy: all proxies blocked")

type entry struct {
	url     string
	blocked bool
}

// Manager is the process-wide outbound proxy pool. Blocking is one-way: a
// proxy is never handed out again once blocked.
type Manager struct {
	mu      sync.Mutex
	proxies []*entry
	rnd     *rand.Rand
	logger  *utils.Logger

	transports *transportCache
}

// NewManager builds a pool from proxy URLs. An empty list means direct
// connections only.
func NewManager(urls []string, logger *utils.Logger) *Manager {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	m := &Manager{
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
		transports: newTransportCache(),
	}
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		m.proxies = append(m.proxies, &entry{url: u})
	}
	return m
}

// Enabled reports whether any proxies were configured.
func (m *Manager) Enabled() bool {
	return len(m.proxies) > 0
}

// RandomUnblocked returns a uniformly chosen unblocked proxy URL. ok is false
// when the pool is empty or exhausted.
func (m *Manager) RandomUnblocked() (url string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []string
	for _, p := range m.proxies {
		if !p.blocked {
			candidates = append(candidates, p.url)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[m.rnd.Intn(len(candidates))], true
}

// Acquire picks the proxy for the next request. It returns "" for a direct
// connection when no proxies are configured, and ErrAllProxiesBlocked when
// they are all burned.
func (m *Manager) Acquire() (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	u, ok := m.RandomUnblocked()
	if !ok {
		return "", ErrAllProxiesBlocked
	}
	return u, nil
}

// Block marks url as blocked and reports whether any unblocked proxies
// remain. Blocking "" (a direct connection) is a no-op.
func (m *Manager) Block(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := 0
	for _, p := range m.proxies {
		if p.url == url && !p.blocked {
			p.blocked = true
			m.logger.Warn("[proxy] blocked %s", Redact(url))
		}
		if !p.blocked {
			remaining++
		}
	}
	if url == "" && len(m.proxies) == 0 {
		return true
	}
	return remaining > 0
}

// Remaining returns the number of unblocked proxies.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.proxies {
		if !p.blocked {
			n++
		}
	}
	return n
}

package fetch

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cyverse/imageloader/commons"
	"golang.org/x/xerrors"
)

// clientPool keeps one http.Client per timeout pair
type clientPool struct {
	clients map[string]*http.Client
	mutex   sync.RWMutex
}

func newClientPool() *clientPool {
	return &clientPool{
		clients: map[string]*http.Client{},
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= commons.MaximumRedirectTimes {
		return xerrors.Errorf("stopped after %d redirects", commons.MaximumRedirectTimes)
	}

	if len(via) > 0 && via[len(via)-1].URL.String() == req.URL.String() {
		return xerrors.Errorf("redirect to itself %q", req.URL.String())
	}
	return nil
}

func (pool *clientPool) get(connectTimeout time.Duration, readTimeout time.Duration) *http.Client {
	key := fmt.Sprintf("%d_%d", connectTimeout, readTimeout)

	pool.mutex.RLock()
	client, ok := pool.clients[key]
	pool.mutex.RUnlock()
	if ok {
		return client
	}

	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if client, ok := pool.clients[key]; ok {
		return client
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   commons.NetworkLoadMaxThreadDefault,
		IdleConnTimeout:       90 * time.Second,
	}

	client = &http.Client{
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}

	pool.clients[key] = client
	return client
}

package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pool manages SSH connections to multiple hosts. Each convergence run takes
// its runners from one pool so repeated step commands share a connection.
type Pool struct {
	connections map[string]*Client
	mu          sync.RWMutex
	timeout     time.Duration
	newClient   func(config *ConnectionConfig) (*Client, error)
}

// NewPool creates a new connection pool
func NewPool(timeout time.Duration) *Pool {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Pool{
		connections: make(map[string]*Client),
		timeout:     timeout,
		newClient:   NewClient,
	}
}

// Get retrieves or creates an SSH connection for a host
func (p *Pool) Get(config *ConnectionConfig) (*Client, error) {
	key := poolKey(config)
	if p.newClient == nil {
		p.newClient = NewClient
	}

	p.mu.RLock()
	if client, exists := p.connections[key]; exists {
		p.mu.RUnlock()
		return client, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := p.connections[key]; exists {
		return client, nil
	}

	if config.Timeout == 0 {
		config.Timeout = p.timeout
	}

	client, err := p.newClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH client for %s: %w", key, err)
	}

	p.connections[key] = client
	return client, nil
}

// Healthy returns a verified-live connection, reconnecting when the pooled
// one has gone stale.
func (p *Pool) Healthy(ctx context.Context, config *ConnectionConfig) (*Client, error) {
	client, err := p.Get(config)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout())
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = p.CloseHost(config)
		client, err = p.Get(config)
		if err != nil {
			return nil, err
		}
	}

	return client, nil
}

func (p *Pool) pingTimeout() time.Duration {
	timeout := 5 * time.Second
	if p.timeout > 0 && p.timeout < timeout {
		timeout = p.timeout
	}
	return timeout
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, client := range p.connections {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection %s: %w", key, err))
		}
	}

	p.connections = make(map[string]*Client)
	return errors.Join(errs...)
}

// CloseHost closes the connection to a specific host
func (p *Pool) CloseHost(config *ConnectionConfig) error {
	key := poolKey(config)

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, exists := p.connections[key]; exists {
		err := client.Close()
		delete(p.connections, key)
		return err
	}

	return nil
}

func poolKey(config *ConnectionConfig) string {
	return fmt.Sprintf("%s@%s:%d", config.User, config.Address, config.Port)
}

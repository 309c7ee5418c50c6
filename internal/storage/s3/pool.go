package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool manages a bounded set of S3 clients so concurrent file
// operations do not all share one client's transport.
type ConnectionPool struct {
	mu          sync.RWMutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics.
type PoolStats struct {
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Created     int64     `json:"created"`
	Destroyed   int64     `json:"destroyed"`
	LastCreated time.Time `json:"last_created"`
}

// NewConnectionPool creates a pool of at most maxSize clients built by
// factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}

	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get returns an idle client, or builds a new one when the pool has room.
// Never blocks; S3 clients are safe for concurrent use, so handing out an
// extra client under pressure is harmless.
func (p *ConnectionPool) Get() *s3.Client {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.mu.Unlock()
		return conn
	default:
	}

	conn, err := p.createConnection()
	if err != nil {
		p.mu.Lock()
		p.stats.Misses++
		p.mu.Unlock()
		return nil
	}
	return conn
}

// Put returns a client to the pool. Clients beyond capacity are dropped.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	select {
	case p.connections <- conn:
	default:
		p.mu.Lock()
		p.stats.Destroyed++
		if p.currentSize > 0 {
			p.currentSize--
		}
		p.mu.Unlock()
	}
}

// Warmup pre-builds count clients, up to the pool capacity.
func (p *ConnectionPool) Warmup(ctx context.Context, count int) error {
	if count <= 0 || count > p.maxSize {
		count = p.maxSize
	}

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := p.createConnection()
		if err != nil {
			return fmt.Errorf("warmup failed after %d connections: %w", i, err)
		}
		select {
		case p.connections <- conn:
		default:
			return nil
		}
	}
	return nil
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close drains and closes the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.connections)
	for range p.connections {
		// S3 clients need no explicit shutdown.
	}
	return nil
}

func (p *ConnectionPool) createConnection() (*s3.Client, error) {
	conn, err := p.factory()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.currentSize++
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	p.mu.Unlock()

	return conn, nil
}

package processing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/wire"
)

// DefaultCallTimeout bounds one remote call, dial to reply.
const DefaultCallTimeout = 120 * time.Second

// ErrTimeout is returned when the processing tier does not reply in time.
var ErrTimeout = errors.New("processing timed out")

// Client calls the processing tier. It implements scrape.Processor.
type Client struct {
	addr    string
	timeout time.Duration
	opts    wire.Options
	dialer  net.Dialer
	logger  *zap.Logger
}

// NewClient builds a Client for addr (host:port).
func NewClient(addr string, timeout time.Duration, opts wire.Options, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		addr:    addr,
		timeout: timeout,
		opts:    opts,
		logger:  logger.Named("processing_client"),
	}
}

// Process sends {url} on a fresh connection and decodes the reply. An error
// reply from the server is returned as ProcessingData with Err set, not as an
// error.
func (c *Client) Process(ctx context.Context, url string) (scrape.ProcessingData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.call(ctx, url)
	if err == nil {
		return data, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("processing call timed out", zap.String("url", url), zap.Duration("timeout", c.timeout))
		return scrape.ProcessingData{}, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return scrape.ProcessingData{}, err
}

func (c *Client) call(ctx context.Context, url string) (scrape.ProcessingData, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return scrape.ProcessingData{}, fmt.Errorf("dial processing server %s: %w", c.addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := wire.SendContext(ctx, conn, Request{URL: url}, c.opts); err != nil {
		return scrape.ProcessingData{}, err
	}
	var data scrape.ProcessingData
	if err := wire.ReceiveContext(ctx, conn, &data, c.opts); err != nil {
		return scrape.ProcessingData{}, err
	}
	return data, nil
}

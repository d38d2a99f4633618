// Package influx writes share, block and network time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gompcore/internal/messaging"
)

// Measurement names.
const (
	MeasurementShares   = "shares"
	MeasurementBlocks   = "blocks"
	MeasurementHashrate = "hashrate"
	MeasurementNetwork  = "network"
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	errs     <-chan error
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks server health.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(10_000))

	c := &Client{client: client}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c.writeAPI = writeAPI
	c.errs = writeAPI.Errors()
	return c, nil
}

// Errors reports asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records an accepted share.
func (c *Client) WriteShare(ev *messaging.ShareEvent) {
	c.writeAPI.WritePoint(SharePoint(ev))
}

// WriteBlock records a block status event.
func (c *Client) WriteBlock(ev *messaging.BlockEvent) {
	c.writeAPI.WritePoint(BlockPoint(ev))
}

// WriteHashrate records a miner's estimated hashrate.
func (c *Client) WriteHashrate(miner string, hashrate float64, at time.Time) {
	c.writeAPI.WritePoint(write.NewPoint(MeasurementHashrate,
		map[string]string{"miner": miner},
		map[string]any{"hashrate": hashrate},
		at))
}

// WriteNetwork records the network difficulty at height.
func (c *Client) WriteNetwork(height int64, difficulty float64, at time.Time) {
	c.writeAPI.WritePoint(write.NewPoint(MeasurementNetwork,
		map[string]string{},
		map[string]any{
			"height":     height,
			"difficulty": difficulty,
		},
		at))
}

// SharePoint builds the point for an accepted share.
func SharePoint(ev *messaging.ShareEvent) *write.Point {
	tags := map[string]string{
		"miner":  ev.Miner,
		"worker": ev.Worker,
		"block":  fmt.Sprintf("%t", ev.IsBlockCandidate),
	}

	fields := map[string]any{
		"difficulty":         ev.Difficulty,
		"share_difficulty":   ev.ShareDifficulty,
		"network_difficulty": ev.NetworkDifficulty,
		"height":             ev.Height,
		"count":              1,
	}

	return write.NewPoint(MeasurementShares, tags, fields, ev.SubmittedAt)
}

// BlockPoint builds the point for a block event.
func BlockPoint(ev *messaging.BlockEvent) *write.Point {
	tags := map[string]string{
		"status": ev.Status,
		"miner":  ev.Miner,
		"worker": ev.Worker,
	}

	fields := map[string]any{
		"hash":               ev.BlockHash,
		"height":             ev.Height,
		"network_difficulty": ev.NetworkDifficulty,
		"count":              1,
	}

	return write.NewPoint(MeasurementBlocks, tags, fields, ev.FoundAt)
}

package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

const dialTimeout = 2 * time.Second

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartResponse](c, "Start", StartRequest{})
}

// Stop requests the daemon to stop processing. It returns once the active
// job, if any, has finished.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Enqueue adds a job to the queue.
func (c *Client) Enqueue(req EnqueueRequest) (*EnqueueResponse, error) {
	return call[EnqueueResponse](c, "Enqueue", req)
}

// JobList returns jobs matching req.
func (c *Client) JobList(req JobListRequest) (*JobListResponse, error) {
	return call[JobListResponse](c, "JobList", req)
}

// JobDescribe returns details for a single job.
func (c *Client) JobDescribe(id int64) (*JobDescribeResponse, error) {
	return call[JobDescribeResponse](c, "JobDescribe", JobDescribeRequest{ID: id})
}

// JobHistory returns the status transitions of a job.
func (c *Client) JobHistory(id int64) (*JobHistoryResponse, error) {
	return call[JobHistoryResponse](c, "JobHistory", JobHistoryRequest{ID: id})
}

// JobPosition reports where a job sits in the queue.
func (c *Client) JobPosition(id int64) (*JobPositionResponse, error) {
	return call[JobPositionResponse](c, "JobPosition", JobPositionRequest{ID: id})
}

// JobRetry retries failed jobs.
func (c *Client) JobRetry(ids []int64) (*JobRetryResponse, error) {
	return call[JobRetryResponse](c, "JobRetry", JobRetryRequest{IDs: ids})
}

// QueueHealth returns aggregated queue counts.
func (c *Client) QueueHealth() (*QueueHealthResponse, error) {
	return call[QueueHealthResponse](c, "QueueHealth", QueueHealthRequest{})
}

// DatabaseHealth retrieves detailed database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	return call[DatabaseHealthResponse](c, "DatabaseHealth", DatabaseHealthRequest{})
}

// Preflight runs the daemon-side environment checks.
func (c *Client) Preflight() (*PreflightResponse, error) {
	return call[PreflightResponse](c, "Preflight", PreflightRequest{})
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	return call[TestNotificationResponse](c, "TestNotification", TestNotificationRequest{})
}

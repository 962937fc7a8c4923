// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"encoding/json"
	"net"
	"time"

	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
)

// Client talks to a running daemon over the control socket. It is not safe
// for concurrent use; dragnetctl issues one request at a time.
type Client struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

// Dial connects to the control socket. An empty path uses DefaultSocketPath.
func Dial(socket string) (*Client, error) {
	if socket == "" {
		socket = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", socket, 3*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "connecting to %s (is the daemon running?)", socket)
	}
	return &Client{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req Request) (Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return Response{}, errors.Wrap(err, errors.KindUnavailable, "sending control request")
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, errors.Wrap(err, errors.KindUnavailable, "reading control response")
	}
	return resp, nil
}

// remoteErr converts an error response into an error. The kind is lost over
// the wire, so the message carries everything.
func remoteErr(resp Response) error {
	return errors.Errorf(errors.KindUnknown, "%s", resp.Error)
}

// Publish replaces the active rule set. It returns the new version, or the
// server's rejection as an error.
func (c *Client) Publish(patterns []string) (uint64, error) {
	if patterns == nil {
		patterns = []string{}
	}
	resp, err := c.roundTrip(Request{Rules: patterns})
	if err != nil {
		return 0, err
	}
	if resp.Status != StatusOK {
		return resp.Version, remoteErr(resp)
	}
	return resp.Version, nil
}

// Ping checks the daemon is alive and returns the active rule version.
func (c *Client) Ping() (uint64, error) {
	resp, err := c.roundTrip(Request{Command: "ping"})
	if err != nil {
		return 0, err
	}
	if resp.Status != StatusOK {
		return 0, remoteErr(resp)
	}
	return resp.Version, nil
}

// Version returns the active rule version.
func (c *Client) Version() (uint64, error) {
	resp, err := c.roundTrip(Request{Command: "version"})
	if err != nil {
		return 0, err
	}
	if resp.Status != StatusOK {
		return 0, remoteErr(resp)
	}
	return resp.Version, nil
}

// Stats returns the daemon's counters.
func (c *Client) Stats() (*engine.Stats, error) {
	resp, err := c.roundTrip(Request{Command: "stats"})
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, remoteErr(resp)
	}
	if resp.Stats == nil {
		return nil, errors.New(errors.KindInternal, "stats response missing payload")
	}
	return resp.Stats, nil
}

// Flows returns a snapshot of tracked flows, optionally filtered by state.
func (c *Client) Flows(state string, limit int) ([]flowtable.FlowInfo, error) {
	resp, err := c.roundTrip(Request{Command: "flows", State: state, Limit: limit})
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, remoteErr(resp)
	}
	return resp.Flows, nil
}

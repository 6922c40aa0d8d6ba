// Package ssh connects to a cluster login node so scheduler tools can be
// invoked and job scripts staged from a workstation outside the cluster.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client describes one submission host connection. Dial and session setup
// failures are retried with a linear backoff; a command that ran and exited
// non-zero is returned as-is so callers own the submission retry policy.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// RunCommand executes one remote command and returns its stdout and stderr.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return "", "", err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", c.Addr, err)
		} else {
			session, err := cli.NewSession()
			if err != nil {
				lastErr = fmt.Errorf("new session: %w", err)
			} else {
				var stdout, stderr bytes.Buffer
				session.Stdout = &stdout
				session.Stderr = &stderr
				runErr := session.Run(command)
				session.Close()
				_ = cli.Close()
				// The command reached the host; exit status is the
				// caller's business, not a transport failure.
				return stdout.String(), stderr.String(), runErr
			}
			_ = cli.Close()
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return "", "", lastErr
}

// Dial establishes an SSH connection for SFTP use. The caller closes the
// returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

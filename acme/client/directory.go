package client

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/taoyuan/nacme/acme"
	"github.com/taoyuan/nacme/acme/resources"
)

func (c *Client) getDirectory(ctx context.Context) (*resources.Directory, error) {
	url := c.DirectoryURL.String()

	resp, err := c.net.GetURL(ctx, url)
	if err != nil {
		return nil, acme.TransportError{Op: http.MethodGet, URL: url, Err: err}
	}
	c.harvestNonce(resp.Response)

	var directory resources.Directory
	err = json.Unmarshal(resp.RespBody, &directory)
	if err != nil {
		return nil, acme.TransportError{Op: http.MethodGet, URL: url, Err: err}
	}

	return &directory, nil
}

// Directory fetches the ACME Directory resource from the ACME server on
// first use and returns the cached copy afterwards. The cached directory is
// immutable for the client's lifetime.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) Directory(ctx context.Context) (*resources.Directory, error) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	if c.directory == nil {
		newDir, err := c.getDirectory(ctx)
		if err != nil {
			return nil, err
		}
		c.directory = newDir
		log.Printf("Updated directory")
	}

	return c.directory, nil
}

// EndpointURL resolves the URL for a named ACME endpoint from the server's
// directory. Unknown resource names are errors.
func (c *Client) EndpointURL(ctx context.Context, name string) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}
	return dir.EndpointURL(name)
}

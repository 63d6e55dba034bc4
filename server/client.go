package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// Client talks the server's wire protocol: the CLI uses it
// against the local daemon, and a child server uses it to delegate to
// its parent. The address is either an http(s) URL or
// "http://unix/<socket path>".
type Client struct {
	base       string
	httpClient *http.Client
}

// NewClient creates a client for the given address.
func NewClient(address string) *Client {
	if socketPath, ok := strings.CutPrefix(address, "http://unix"); ok {
		return &Client{
			base: "http://unix",
			httpClient: &http.Client{Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			}},
		}
	}
	return &Client{base: strings.TrimRight(address, "/"), httpClient: &http.Client{}}
}

// NewSocketClient creates a client for a local daemon's unix socket.
func NewSocketClient(socketPath string) *Client {
	return NewClient("http://unix" + socketPath)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable: %w", err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

// GetObjectExists implements the HEAD object operation.
func (c *Client) GetObjectExists(ctx context.Context, i id.ID) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/v1/objects/"+i.String(), nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// TryGetObject implements the GET object operation.
func (c *Client) TryGetObject(ctx context.Context, i id.ID) ([]byte, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/objects/"+i.String(), nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, responseError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// TryPutObject implements the PUT object operation. A 400 carrying
// missing children decodes into the missing ID list.
func (c *Client) TryPutObject(ctx context.Context, i id.ID, data []byte) ([]id.ID, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/objects/"+i.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil, nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		var body struct {
			MissingChildren []string `json:"missingChildren"`
			Error           string   `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && len(body.MissingChildren) > 0 {
			missing := make([]id.ID, 0, len(body.MissingChildren))
			for _, hex := range body.MissingChildren {
				m, err := id.Parse(hex)
				if err != nil {
					return nil, err
				}
				missing = append(missing, m)
			}
			return missing, nil
		}
		if body.Error != "" {
			return nil, fmt.Errorf("%s", body.Error)
		}
	}
	return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
}

// TryGetBuildForTarget implements build.Parent.
func (c *Client) TryGetBuildForTarget(ctx context.Context, task id.ID) (id.ID, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/for-target/"+task.String(), nil)
	if err != nil {
		return id.ID{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return id.ID{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return id.ID{}, false, responseError(resp)
	}
	return readID(resp.Body)
}

// GetOrCreateBuildForTarget asks the server to build, creating the run
// if none exists.
func (c *Client) GetOrCreateBuildForTarget(ctx context.Context, task id.ID) (id.ID, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/builds/for-target/"+task.String(), nil)
	if err != nil {
		return id.ID{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return id.ID{}, responseError(resp)
	}
	run, _, err := readID(resp.Body)
	return run, err
}

// GetBuildChildren streams the run's children.
func (c *Client) GetBuildChildren(ctx context.Context, run id.ID) (<-chan id.ID, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+run.String()+"/children", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	ch := make(chan id.ID)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			child, err := id.Parse(strings.TrimSpace(scanner.Text()))
			if err != nil {
				return
			}
			select {
			case ch <- child:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// GetBuildLog streams the run's log bytes.
func (c *Client) GetBuildLog(ctx context.Context, run id.ID) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+run.String()+"/log", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// TryGetBuildOutput reads the run's output once available.
func (c *Client) TryGetBuildOutput(ctx context.Context, run id.ID) (value.Result, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+run.String()+"/output", nil)
	if err != nil {
		return value.Result{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return value.Result{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return value.Result{}, false, responseError(resp)
	}
	var response outputResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return value.Result{}, false, err
	}
	result, err := decodeOutput(response)
	if err != nil {
		return value.Result{}, false, err
	}
	return result, true, nil
}

// GetPackageVersions implements packages.Registry remotely.
func (c *Client) GetPackageVersions(ctx context.Context, name string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/packages/"+name+"/versions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var versions []string
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// GetPackage implements packages.Registry remotely.
func (c *Client) GetPackage(ctx context.Context, name, version string) (*value.Handle, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/packages/"+name+"/"+version, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	i, _, err := readID(resp.Body)
	if err != nil {
		return nil, err
	}
	return value.HandleWithID(i), nil
}

// PublishPackage publishes a package version.
func (c *Client) PublishPackage(ctx context.Context, name, version string, pkg id.ID) error {
	body, _ := json.Marshal(map[string]string{"id": pkg.String()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/v1/packages/"+name+"/"+version, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func readID(r io.Reader) (id.ID, bool, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return id.ID{}, false, err
	}
	i, err := id.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return id.ID{}, false, err
	}
	return i, true, nil
}

package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client is an HTTP client for the CredVault API.
type Client struct {
	addr   string
	token  string
	apiKey string
	http   *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("CREDVAULT_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("CREDVAULT_TOKEN"); v != "" {
		token = v
	}
	apiKey := cfg.APIKey
	if v := os.Getenv("CREDVAULT_API_KEY"); v != "" {
		apiKey = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("CREDVAULT_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   2 * time.Minute,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: addr, token: token, apiKey: apiKey, http: httpClient}
}

func (c *Client) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.addr+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

func (c *Client) get(path string) (any, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (any, error) {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (any, error) {
	resp, err := c.do(http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		_, err := parseResponse(resp)
		return err
	}
	resp.Body.Close()
	return nil
}

// upload streams a local file as the multipart "file" field.
func (c *Client) upload(path, file string) (any, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(file))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(http.MethodPost, path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// download copies a response body to w.
func (c *Client) download(path string, w io.Writer) error {
	req, err := c.newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		_, err := parseResponse(resp)
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func parseResponse(resp *http.Response) (any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if m, ok := result.(map[string]any); ok {
			if errs, ok := m["errors"].([]any); ok && len(errs) > 0 {
				return nil, fmt.Errorf("%v", errs[0])
			}
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}

// Package vnet talks to the virtual-network controller managing board
// ports and subnets. The conductor creates a network port per attached
// VIF and deletes it on detach.
package vnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/config"
)

// ErrNotFound is returned when the controller does not know the resource.
var ErrNotFound = errors.New("vnet: not found")

// NetworkPort is a port allocated on a virtual network.
type NetworkPort struct {
	UUID        string `json:"uuid"`
	NetworkUUID string `json:"network_uuid"`
	SubnetUUID  string `json:"subnet_uuid"`
	MACAddr     string `json:"mac_addr"`
	IP          string `json:"ip"`
}

// Subnet describes an address range on a virtual network.
type Subnet struct {
	UUID string `json:"uuid"`
	CIDR string `json:"cidr"`
}

// Controller is what the workflow layer needs from the network side.
type Controller interface {
	CreatePort(ctx context.Context, networkUUID, subnetUUID string) (*NetworkPort, error)
	DeletePort(ctx context.Context, portUUID string) error
	SubnetPrefixLen(ctx context.Context, subnetUUID string) (int, error)
}

// Client is the HTTP Controller.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *log.Logger
}

// NewClient builds a Client from the vnet config section.
func NewClient(cfg config.VNetConfig) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: time.Duration(cfg.Timeout)},
		logger:   log.New(os.Stderr, "[vnet] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// CreatePort allocates a port on networkUUID. The controller assigns the
// MAC address and, when subnetUUID is set, an IP from that subnet.
func (c *Client) CreatePort(ctx context.Context, networkUUID, subnetUUID string) (*NetworkPort, error) {
	body := map[string]string{"network_uuid": networkUUID}
	if subnetUUID != "" {
		body["subnet_uuid"] = subnetUUID
	}
	var port NetworkPort
	if err := c.do(ctx, http.MethodPost, "/v1/ports", body, &port); err != nil {
		return nil, fmt.Errorf("vnet: create port on network %s: %w", networkUUID, err)
	}
	c.logger.Printf("created network port %s (%s, %s)", port.UUID, port.MACAddr, port.IP)
	return &port, nil
}

// DeletePort releases a port. Deleting an unknown port returns ErrNotFound.
func (c *Client) DeletePort(ctx context.Context, portUUID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/ports/"+portUUID, nil, nil); err != nil {
		return fmt.Errorf("vnet: delete port %s: %w", portUUID, err)
	}
	c.logger.Printf("deleted network port %s", portUUID)
	return nil
}

// SubnetPrefixLen returns the prefix length of the subnet's CIDR, used to
// configure the VIF on the device.
func (c *Client) SubnetPrefixLen(ctx context.Context, subnetUUID string) (int, error) {
	var subnet Subnet
	if err := c.do(ctx, http.MethodGet, "/v1/subnets/"+subnetUUID, nil, &subnet); err != nil {
		return 0, fmt.Errorf("vnet: subnet %s: %w", subnetUUID, err)
	}
	i := strings.LastIndexByte(subnet.CIDR, '/')
	if i < 0 {
		return 0, fmt.Errorf("vnet: subnet %s has malformed cidr %q", subnetUUID, subnet.CIDR)
	}
	var prefix int
	if _, err := fmt.Sscanf(subnet.CIDR[i+1:], "%d", &prefix); err != nil {
		return 0, fmt.Errorf("vnet: subnet %s has malformed cidr %q", subnetUUID, subnet.CIDR)
	}
	return prefix, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("controller returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
